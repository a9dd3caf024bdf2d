package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/dedup"
	"github.com/popeskul/listing-intake/internal/media"
	"github.com/popeskul/listing-intake/internal/models"
)

func (d *Dispatcher) handlePhotos(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	patch := draftPatch(draft, created)

	if ev.Kind == models.EventImage {
		return d.acceptPhoto(ctx, draft, ev).with(patch), nil
	}

	if isTextual(ev) {
		switch input(ev) {
		case ControlPhotosDone, "done", "finished":
			return d.finishPhotos(ctx, draft, patch)
		}
	}

	return reject("waiting for photos", photoProgress(d.photoTotal(ctx, draft), d.opts.MinPhotos)).with(patch), nil
}

func photoScope(draft *models.ListingDraft) dedup.Scope {
	return dedup.Scope{Phone: draft.PhoneNumber, ListingID: draft.ID}
}

// photoTotal counts the photos already attached to the draft plus the pending set.
func (d *Dispatcher) photoTotal(ctx context.Context, draft *models.ListingDraft) int {
	pending, err := d.deps.Dedup.Count(ctx, photoScope(draft))
	if err != nil {
		d.logger.Warn("Failed to count photos",
			zap.String("phone", draft.PhoneNumber),
			zap.String("listingID", draft.ID),
			zap.Error(err))
	}
	return len(draft.Photos) + int(pending)
}

// acceptPhoto runs one image through claim, download, normalize, upload and append.
// A redelivered or concurrent copy of the same media is dropped without a reply, and
// so is an upload that finishes after the listing was cancelled or submitted.
func (d *Dispatcher) acceptPhoto(ctx context.Context, draft *models.ListingDraft, ev models.InboundEvent) Transition {
	scope := photoScope(draft)
	log := d.logger.With(
		zap.String("phone", scope.Phone),
		zap.String("listingID", scope.ListingID),
		zap.String("mediaID", ev.MediaID))

	if ev.MediaID == "" {
		return reject("image without media id", photoPrompt(d.opts.MinPhotos))
	}
	if !d.deps.Dedup.Claim(ctx, scope, ev.MediaID) {
		log.Debug("Photo already claimed")
		return stay()
	}

	fileID, err := d.uploadPhoto(ctx, ev)
	if err != nil {
		d.release(ctx, scope, ev.MediaID)

		var stageErr *media.StageError
		if errors.As(err, &stageErr) {
			log.Warn("Photo upload failed", zap.String("stage", string(stageErr.Stage)), zap.Error(err))
		} else {
			log.Warn("Photo upload failed", zap.Error(err))
		}
		if errors.Is(err, media.ErrUnsupportedImage) {
			return reject("unsupported image", models.Text("I couldn't open that image. Please send it as a JPEG or PNG photo."))
		}
		return stay(models.Text("That photo didn't upload. Please send it again."))
	}

	count, err := d.deps.Dedup.Append(ctx, scope, fileID)
	if errors.Is(err, dedup.ErrClosed) {
		log.Info("Photo arrived after the listing was closed, deleting upload", zap.String("fileID", fileID))
		d.deps.Uploader.Delete(ctx, fileID)
		return stay()
	}
	if err != nil {
		log.Warn("Failed to record uploaded photo", zap.String("fileID", fileID), zap.Error(err))
		d.deps.Uploader.Delete(ctx, fileID)
		d.release(ctx, scope, ev.MediaID)
		return stay(models.Text("I couldn't save that photo. Please send it again."))
	}

	total := len(draft.Photos) + int(count)
	log.Info("Photo accepted", zap.String("fileID", fileID), zap.Int("count", total))
	return stay(photoReceived(total, d.opts.MinPhotos))
}

func (d *Dispatcher) uploadPhoto(ctx context.Context, ev models.InboundEvent) (string, error) {
	data, _, err := d.deps.Sender.DownloadMedia(ctx, ev.MediaID)
	if err != nil {
		return "", fmt.Errorf("failed to download photo: %w", err)
	}

	normalized, err := media.Normalize(data, d.opts.MaxImageEdge, d.opts.JPEGQuality)
	if err != nil {
		return "", err
	}

	return d.deps.Uploader.Upload(ctx, normalized, media.JPEGName(ev.MediaID), media.MimeJPEG)
}

func (d *Dispatcher) release(ctx context.Context, scope dedup.Scope, mediaID string) {
	if err := d.deps.Dedup.Release(ctx, scope, mediaID); err != nil {
		d.logger.Warn("Failed to release photo claim",
			zap.String("phone", scope.Phone),
			zap.String("mediaID", mediaID),
			zap.Error(err))
	}
}

// finishPhotos moves the pending photo set into the draft once the draft and the set
// together hold the minimum. Only the references read here are removed from the set;
// one that lands meanwhile stays pending and is adopted on submit.
func (d *Dispatcher) finishPhotos(ctx context.Context, draft *models.ListingDraft, patch models.Context) (Transition, error) {
	refs, err := d.deps.Dedup.Photos(ctx, photoScope(draft))
	if err != nil {
		return Transition{}, fmt.Errorf("failed to read photos: %w", err)
	}

	total := len(draft.Photos) + len(refs)
	if total < d.opts.MinPhotos {
		return reject("not enough photos", photosMissing(total, d.opts.MinPhotos)).with(patch), nil
	}

	if err := d.adoptPhotos(ctx, draft, refs); err != nil {
		return Transition{}, err
	}

	return moveTo(models.StateCollectingOptionalNotes,
		models.Text(fmt.Sprintf("Thanks, %d photos saved.", total)),
		notesPrompt(),
	).with(patch), nil
}

// adoptPhotos attaches refs to the draft and drops them from the pending set.
func (d *Dispatcher) adoptPhotos(ctx context.Context, draft *models.ListingDraft, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	if err := d.deps.Listings.AppendPhotos(ctx, draft.ID, refs); err != nil {
		return fmt.Errorf("failed to attach photos: %w", err)
	}
	draft.Photos = append(draft.Photos, refs...)

	if err := d.deps.Dedup.Remove(ctx, photoScope(draft), refs...); err != nil {
		d.logger.Warn("Failed to clear pending photos",
			zap.String("phone", draft.PhoneNumber),
			zap.String("listingID", draft.ID),
			zap.Error(err))
	}
	return nil
}

// discardPending closes the listing's photo set and deletes every upload still in it.
// An upload that completes later sees the closed set and deletes itself.
func (d *Dispatcher) discardPending(ctx context.Context, scope dedup.Scope) {
	log := d.logger.With(zap.String("phone", scope.Phone), zap.String("listingID", scope.ListingID))

	if err := d.deps.Dedup.Close(ctx, scope); err != nil {
		log.Warn("Failed to close pending photos", zap.Error(err))
	}
	pending, err := d.deps.Dedup.Photos(ctx, scope)
	if err != nil {
		log.Warn("Failed to read pending photos", zap.Error(err))
	}
	if len(pending) > 0 {
		d.deps.Uploader.Delete(ctx, pending...)
	}
	if err := d.deps.Dedup.Clear(ctx, scope); err != nil {
		log.Warn("Failed to clear pending photos", zap.Error(err))
	}
}
