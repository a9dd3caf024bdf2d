package intake

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/dedup"
	"github.com/popeskul/listing-intake/internal/models"
)

type command string

const (
	cmdCancel command = "cancel"
	cmdHelp   command = "help"
	cmdStop   command = "stop"
	cmdStart  command = "start"
	cmdMenu   command = "menu"
)

// globalCommand recognizes a command sent as the whole text of a message or button.
func globalCommand(ev models.InboundEvent) (command, bool) {
	if !isTextual(ev) {
		return "", false
	}
	word := strings.Trim(input(ev), " .!?/")
	switch c := command(word); c {
	case cmdCancel, cmdHelp, cmdStop, cmdStart, cmdMenu:
		return c, true
	default:
		return "", false
	}
}

func (d *Dispatcher) command(ctx context.Context, conv *models.Conversation, cmd command) (Transition, error) {
	d.logger.Debug("Global command",
		zap.String("phone", conv.PhoneNumber),
		zap.String("command", string(cmd)),
		zap.String("state", string(conv.State)))

	switch cmd {
	case cmdCancel, cmdStop:
		d.rollback(ctx, conv)
		return restart(models.Text(msgCancelled)), nil

	case cmdHelp:
		replies, err := d.reprompt(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return stay(append([]models.OutboundMessage{models.Text(msgHelp)}, replies...)...), nil

	case cmdStart:
		if conv.State != models.StateNew {
			replies, err := d.reprompt(ctx, conv)
			if err != nil {
				return Transition{}, err
			}
			lead := models.Text("You already have a listing in progress. Type *cancel* to start over.")
			return stay(append([]models.OutboundMessage{lead}, replies...)...), nil
		}
		return d.handleNew(ctx, conv, models.InboundEvent{})

	default:
		if conv.State == models.StateNew {
			return d.handleNew(ctx, conv, models.InboundEvent{})
		}
		replies, err := d.reprompt(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return stay(replies...), nil
	}
}

// rollback deletes uploaded files that belong to the abandoned listing: the pending
// photo set and the photos already moved into an incomplete draft. It never fails.
func (d *Dispatcher) rollback(ctx context.Context, conv *models.Conversation) {
	id, ok := conv.Context.String(models.CtxListingID)
	if !ok || id == "" {
		return
	}
	d.discardPending(ctx, dedup.Scope{Phone: conv.PhoneNumber, ListingID: id})

	draft := d.currentDraft(ctx, conv)
	if draft == nil || draft.Status != models.ListingStatusIncomplete || len(draft.Photos) == 0 {
		return
	}
	d.deps.Uploader.Delete(ctx, draft.Photos...)
	if err := d.deps.Listings.ClearPhotos(ctx, draft.ID); err != nil {
		d.logger.Warn("Failed to clear draft photos",
			zap.String("phone", conv.PhoneNumber),
			zap.String("listingID", draft.ID),
			zap.Error(err))
	}
}

// currentDraft returns the referenced draft without creating one.
func (d *Dispatcher) currentDraft(ctx context.Context, conv *models.Conversation) *models.ListingDraft {
	id, ok := conv.Context.String(models.CtxListingID)
	if !ok || id == "" {
		return nil
	}
	draft, err := d.deps.Listings.Get(ctx, id)
	if err != nil {
		d.logger.Warn("Failed to load listing draft",
			zap.String("phone", conv.PhoneNumber),
			zap.String("listingID", id),
			zap.Error(err))
		return nil
	}
	return draft
}

// reprompt renders the question the current state is waiting on.
func (d *Dispatcher) reprompt(ctx context.Context, conv *models.Conversation) ([]models.OutboundMessage, error) {
	switch conv.State {
	case models.StateNew:
		if conv.IsAuthorized {
			return []models.OutboundMessage{methodMenu()}, nil
		}
		return []models.OutboundMessage{welcomePrompt()}, nil

	case models.StateAwaitingIdentityVerification:
		if conv.Context.StringOr(models.CtxSubState, subStateEmail) == subStateCode {
			return []models.OutboundMessage{codePrompt(conv.Context.StringOr(models.CtxPendingEmail, ""))}, nil
		}
		return []models.OutboundMessage{emailPrompt()}, nil

	case models.StateChoosingIntakeMethod:
		return []models.OutboundMessage{methodMenu()}, nil

	case models.StateAwaitingVoiceDescription:
		return []models.OutboundMessage{voicePrompt()}, nil

	case models.StateAwaitingStructuredForm:
		return []models.OutboundMessage{formLaunch(d.opts.FlowID, flowToken(conv))}, nil

	case models.StateCollectingRequiredFields:
		draft := d.currentDraft(ctx, conv)
		if draft == nil {
			draft = &models.ListingDraft{}
		}
		if f, missing := draft.NextMissing(); missing {
			return []models.OutboundMessage{fieldPrompt(f)}, nil
		}
		return []models.OutboundMessage{photoPrompt(d.opts.MinPhotos)}, nil

	case models.StateCollectingPhotos:
		count := 0
		if draft := d.currentDraft(ctx, conv); draft != nil {
			count = d.photoTotal(ctx, draft)
		}
		return []models.OutboundMessage{photoProgress(count, d.opts.MinPhotos)}, nil

	case models.StateCollectingOptionalNotes:
		return []models.OutboundMessage{notesPrompt()}, nil

	case models.StateConfirmingSummary:
		draft := d.currentDraft(ctx, conv)
		if draft == nil {
			return []models.OutboundMessage{models.Text(msgCancelled)}, nil
		}
		return []models.OutboundMessage{summary(draft)}, nil

	case models.StateEditingField:
		if conv.Context.StringOr(models.CtxSubState, subStateSelect) == subStateValue {
			return []models.OutboundMessage{fieldPrompt(models.Field(conv.Context.StringOr(models.CtxEditField, "")))}, nil
		}
		return []models.OutboundMessage{editMenu()}, nil

	default:
		return []models.OutboundMessage{welcomePrompt()}, nil
	}
}
