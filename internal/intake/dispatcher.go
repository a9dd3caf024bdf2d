// Package intake runs the per-conversation state machine that turns inbound messages
// into a listing draft.
package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/auth"
	"github.com/popeskul/listing-intake/internal/dedup"
	"github.com/popeskul/listing-intake/internal/extract"
	"github.com/popeskul/listing-intake/internal/media"
	"github.com/popeskul/listing-intake/internal/messenger"
	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/repository"
)

// ErrPanic wraps a panic recovered while handling one event.
var ErrPanic = errors.New("panic while handling event")

// Dependencies are the collaborators the dispatcher drives.
type Dependencies struct {
	Conversations repository.ConversationRepository
	Listings      repository.ListingRepository
	Sellers       repository.SellerRepository
	Dedup         dedup.Store
	Uploader      media.Uploader
	Sender        messenger.Sender
	Extractor     extract.Extractor
	Verifier      auth.Verifier
}

// Options tunes the flow.
type Options struct {
	MinPhotos        int
	MaxEmailAttempts int
	MaxCodeAttempts  int
	MaxImageEdge     int
	JPEGQuality      int
	// FlowID enables the quick form intake method when set.
	FlowID string
}

// Result reports what Handle did with an event.
type Result struct {
	Duplicate bool
	State     models.State
	Replies   []models.OutboundMessage
	Rejected  bool
}

type stateHandler func(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error)

// Dispatcher is the only component that mutates conversations.
type Dispatcher struct {
	deps     Dependencies
	opts     Options
	handlers map[models.State]stateHandler
	logger   *zap.Logger
}

func NewDispatcher(deps Dependencies, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.MinPhotos < 1 {
		opts.MinPhotos = 3
	}
	if opts.MaxEmailAttempts < 1 {
		opts.MaxEmailAttempts = 3
	}
	if opts.MaxCodeAttempts < 1 {
		opts.MaxCodeAttempts = 3
	}

	d := &Dispatcher{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
	d.handlers = map[models.State]stateHandler{
		models.StateNew:                          d.handleNew,
		models.StateAwaitingIdentityVerification: d.handleIdentity,
		models.StateChoosingIntakeMethod:         d.handleMethod,
		models.StateAwaitingVoiceDescription:     d.handleVoice,
		models.StateAwaitingStructuredForm:       d.handleForm,
		models.StateCollectingRequiredFields:     d.handleRequiredFields,
		models.StateCollectingPhotos:             d.handlePhotos,
		models.StateCollectingOptionalNotes:      d.handleNotes,
		models.StateConfirmingSummary:            d.handleConfirm,
		models.StateEditingField:                 d.handleEdit,
	}
	return d
}

// Handle processes one inbound event: idempotency gate, load, command gate or state
// handler, at most one save, then replies. Transitions that change nothing are not
// saved, so a slow photo upload cannot overwrite a state change made meanwhile.
// Errors are returned for logging only; the user has already been sent a generic reply.
// A panic is recovered and reported the same way as ErrPanic.
func (d *Dispatcher) Handle(ctx context.Context, ev models.InboundEvent) (res *Result, err error) {
	log := d.logger.With(
		zap.String("phone", ev.Phone),
		zap.String("messageID", ev.MessageID),
		zap.String("kind", string(ev.Kind)))

	defer func() {
		if p := recover(); p != nil {
			log.Error("Panic while handling event", zap.Any("panic", p), zap.Stack("stack"))
			d.sendGeneric(ctx, ev.Phone)
			res, err = nil, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()

	if ev.MessageID != "" {
		first, err := d.deps.Dedup.MarkProcessed(ctx, ev.Phone, ev.MessageID)
		if err != nil {
			log.Warn("Processed marker unavailable, handling event without dedup", zap.Error(err))
		} else if !first {
			log.Debug("Duplicate event ignored")
			return &Result{Duplicate: true}, nil
		}
	}

	conv, err := d.deps.Conversations.GetOrCreate(ctx, ev.Phone)
	if err != nil {
		d.sendGeneric(ctx, ev.Phone)
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.Context == nil {
		conv.Context = models.Context{}
	}
	repaired := false
	if !conv.State.Valid() {
		log.Warn("Unknown conversation state, resetting", zap.String("state", string(conv.State)))
		conv.State = models.StateNew
		conv.Context = models.Context{}
		repaired = true
	}

	tr, err := d.route(ctx, conv, ev)
	if err != nil {
		log.Error("Failed to handle event",
			zap.String("state", string(conv.State)),
			zap.Error(err))
		d.sendGeneric(ctx, ev.Phone)
		return nil, err
	}

	if tr.Rejection != nil {
		log.Debug("Input rejected",
			zap.String("state", string(conv.State)),
			zap.String("reason", tr.Rejection.Reason))
	}

	from := conv.State
	if repaired || tr.mutates() {
		d.apply(conv, tr)
		if err := d.persist(ctx, conv, tr, repaired); err != nil {
			d.sendGeneric(ctx, ev.Phone)
			return nil, err
		}
	}

	if from != conv.State {
		log.Info("Conversation advanced",
			zap.String("from", string(from)),
			zap.String("to", string(conv.State)))
	}

	d.send(ctx, ev.Phone, tr.Replies)

	return &Result{
		State:    conv.State,
		Replies:  tr.Replies,
		Rejected: tr.Rejection != nil,
	}, nil
}

func (d *Dispatcher) route(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	if cmd, ok := globalCommand(ev); ok {
		return d.command(ctx, conv, cmd)
	}

	if ev.Kind == models.EventImage && conv.State != models.StateCollectingPhotos {
		replies, err := d.reprompt(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return reject("photo outside photo step", append([]models.OutboundMessage{models.Text(msgNoPhotosYet)}, replies...)...), nil
	}

	handler, ok := d.handlers[conv.State]
	if !ok {
		return restart(welcomePrompt()), nil
	}
	return handler(ctx, conv, ev)
}

func (d *Dispatcher) apply(conv *models.Conversation, tr Transition) {
	if tr.Next != "" {
		conv.State = tr.Next
	}
	base := conv.Context
	if tr.ResetContext {
		base = models.Context{}
	}
	conv.Context = base.Merge(tr.Patch)

	if tr.Authorize != nil {
		conv.IsAuthorized = true
		conv.SellerID = sql.NullString{String: tr.Authorize.SellerID, Valid: tr.Authorize.SellerID != ""}
	}
}

// persist writes an applied transition. A context-only patch is merged in place so
// it cannot overwrite a state change saved by a concurrent event.
func (d *Dispatcher) persist(ctx context.Context, conv *models.Conversation, tr Transition, repaired bool) error {
	if !repaired && tr.contextOnly() {
		if err := d.deps.Conversations.MergeContext(ctx, conv.PhoneNumber, tr.Patch); err != nil {
			return fmt.Errorf("failed to merge conversation context: %w", err)
		}
		return nil
	}
	if err := d.deps.Conversations.Save(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, to string, replies []models.OutboundMessage) {
	for _, msg := range replies {
		if err := d.deps.Sender.Send(ctx, to, msg); err != nil {
			d.logger.Warn("Failed to send reply",
				zap.String("phone", to),
				zap.String("kind", string(msg.Kind)),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) sendGeneric(ctx context.Context, to string) {
	d.send(ctx, to, []models.OutboundMessage{models.Text(msgGenericError)})
}

// Reset puts a conversation back to the new state. It is the explicit reset used by
// operators and tests; pending photos are discarded like on cancel.
func (d *Dispatcher) Reset(ctx context.Context, phone string) error {
	conv, err := d.deps.Conversations.GetOrCreate(ctx, phone)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	d.rollback(ctx, conv)
	if err := d.deps.Conversations.Reset(ctx, phone); err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}
	d.logger.Info("Conversation reset", zap.String("phone", phone))
	return nil
}

// input returns the lowercased, trimmed text or control id of an event.
func input(ev models.InboundEvent) string {
	return strings.ToLower(strings.TrimSpace(ev.Input()))
}

func isTextual(ev models.InboundEvent) bool {
	switch ev.Kind {
	case models.EventText, models.EventButton, models.EventList:
		return true
	default:
		return false
	}
}

// loadDraft returns the draft referenced by the conversation, creating one when absent.
// created reports whether listing_id must be written to the context.
func (d *Dispatcher) loadDraft(ctx context.Context, conv *models.Conversation) (draft *models.ListingDraft, created bool, err error) {
	if id, ok := conv.Context.String(models.CtxListingID); ok && id != "" {
		draft, err = d.deps.Listings.Get(ctx, id)
		if err == nil {
			return draft, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		d.logger.Warn("Listing referenced by conversation not found, creating a new one",
			zap.String("phone", conv.PhoneNumber),
			zap.String("listingID", id))
	}

	draft = &models.ListingDraft{
		PhoneNumber: conv.PhoneNumber,
		SellerID:    conv.SellerID,
		Status:      models.ListingStatusIncomplete,
	}
	if err := d.deps.Listings.Create(ctx, draft); err != nil {
		return nil, false, fmt.Errorf("failed to create listing draft: %w", err)
	}
	return draft, true, nil
}

func draftPatch(draft *models.ListingDraft, created bool) models.Context {
	if !created {
		return nil
	}
	return models.Context{models.CtxListingID: draft.ID}
}
