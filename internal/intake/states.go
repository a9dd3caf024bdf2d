package intake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/extract"
	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/repository"
)

const (
	subStateEmail  = "email"
	subStateCode   = "code"
	subStateSelect = "select"
	subStateValue  = "value"
)

var emailValidator = validator.New()

func flowToken(conv *models.Conversation) string {
	return "listing:" + conv.PhoneNumber
}

func (d *Dispatcher) handleNew(_ context.Context, conv *models.Conversation, _ models.InboundEvent) (Transition, error) {
	if conv.IsAuthorized {
		return moveTo(models.StateChoosingIntakeMethod, methodMenu()), nil
	}
	return moveTo(models.StateAwaitingIdentityVerification, welcomePrompt()).with(models.Context{
		models.CtxSubState:      subStateEmail,
		models.CtxEmailAttempts: 0,
		models.CtxCodeAttempts:  0,
	}), nil
}

func (d *Dispatcher) handleIdentity(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	if !isTextual(ev) {
		replies, err := d.reprompt(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return reject("non-text during verification", replies...), nil
	}

	if conv.Context.StringOr(models.CtxSubState, subStateEmail) == subStateCode {
		return d.verifyCode(ctx, conv, ev)
	}
	return d.lookupEmail(ctx, conv, ev)
}

func (d *Dispatcher) lookupEmail(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	email := strings.TrimSpace(ev.Text)
	if err := emailValidator.Var(email, "required,email"); err != nil {
		return reject("malformed email",
			models.Text("That doesn't look like an email address."),
			emailPrompt()), nil
	}

	seller, err := d.deps.Sellers.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		attempts := conv.Context.Int(models.CtxEmailAttempts) + 1
		if attempts >= d.opts.MaxEmailAttempts {
			return restart(models.Text("I still couldn't find a seller account for that email, so I've stopped here. Send any message to try again.")), nil
		}
		return reject("unknown email",
			models.Text(fmt.Sprintf("I couldn't find a seller account for %s. Please check the spelling and try again.", email)),
		).with(models.Context{models.CtxEmailAttempts: attempts}), nil
	}
	if err != nil {
		return Transition{}, fmt.Errorf("failed to look up seller: %w", err)
	}

	if err := d.deps.Verifier.SendCode(ctx, conv.PhoneNumber, seller.Email); err != nil {
		return Transition{}, fmt.Errorf("failed to send verification code: %w", err)
	}

	return stay(codePrompt(seller.Email)).with(models.Context{
		models.CtxSubState:      subStateCode,
		models.CtxPendingEmail:  seller.Email,
		models.CtxPendingSeller: seller.ID,
		models.CtxCodeAttempts:  0,
	}), nil
}

func (d *Dispatcher) verifyCode(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	email := conv.Context.StringOr(models.CtxPendingEmail, "")
	if email == "" {
		return reject("code without pending email", emailPrompt()).with(models.Context{
			models.CtxSubState: subStateEmail,
		}), nil
	}

	if input(ev) == "resend" {
		if err := d.deps.Verifier.SendCode(ctx, conv.PhoneNumber, email); err != nil {
			return Transition{}, fmt.Errorf("failed to resend verification code: %w", err)
		}
		return stay(codePrompt(email)).with(models.Context{models.CtxCodeAttempts: 0}), nil
	}

	ok, err := d.deps.Verifier.VerifyCode(ctx, conv.PhoneNumber, ev.Text)
	if err != nil {
		return Transition{}, fmt.Errorf("failed to verify code: %w", err)
	}

	if ok {
		sellerID := conv.Context.StringOr(models.CtxPendingSeller, "")
		d.logger.Info("Seller verified",
			zap.String("phone", conv.PhoneNumber),
			zap.String("sellerID", sellerID))

		tr := moveTo(models.StateChoosingIntakeMethod,
			models.Text("You're verified. Let's list your item!"),
			methodMenu())
		tr.ResetContext = true
		tr.Authorize = &Authorization{SellerID: sellerID}
		return tr, nil
	}

	attempts := conv.Context.Int(models.CtxCodeAttempts) + 1
	if attempts >= d.opts.MaxCodeAttempts {
		return restart(models.Text("Too many incorrect codes, so I've reset verification. Send any message to start again.")), nil
	}
	return reject("wrong code",
		models.Text(fmt.Sprintf("That code didn't match. You have %d more %s.", d.opts.MaxCodeAttempts-attempts, plural(d.opts.MaxCodeAttempts-attempts, "try", "tries"))),
	).with(models.Context{models.CtxCodeAttempts: attempts}), nil
}

type intakeMethod int

const (
	methodUnknown intakeMethod = iota
	methodVoice
	methodForm
	methodText
)

func parseMethod(in string) intakeMethod {
	switch in {
	case ControlMethodVoice, "voice", "voice note", "1":
		return methodVoice
	case ControlMethodForm, "form", "quick form", "2":
		return methodForm
	case ControlMethodText, "text", "type", "type it out", "3":
		return methodText
	default:
		return methodUnknown
	}
}

func (d *Dispatcher) handleMethod(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	if !isTextual(ev) {
		return reject("non-text method choice", methodMenu()), nil
	}

	switch parseMethod(input(ev)) {
	case methodVoice:
		return moveTo(models.StateAwaitingVoiceDescription, voicePrompt()), nil

	case methodForm:
		if d.opts.FlowID == "" {
			return reject("form unavailable",
				models.Text("The quick form isn't available right now. Please pick another option."),
				methodMenu()), nil
		}
		return moveTo(models.StateAwaitingStructuredForm, formLaunch(d.opts.FlowID, flowToken(conv))), nil

	case methodText:
		draft, created, err := d.loadDraft(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return d.advance(draft, created,
			models.Text("Tip: you can send several details at once, like \"Zimmermann, top & bottom, size M, NWT, $85\".")), nil

	default:
		return reject("unknown method", methodMenu()), nil
	}
}

func (d *Dispatcher) handleVoice(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	var description string

	switch {
	case isTextual(ev) && parseMethod(input(ev)) == methodText:
		draft, created, err := d.loadDraft(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return d.advance(draft, created), nil

	case ev.Kind == models.EventAudio:
		transcript, fallback, err := d.transcribe(ctx, conv, ev)
		if err != nil {
			return Transition{}, err
		}
		if fallback != nil {
			return *fallback, nil
		}
		description = transcript

	case ev.Kind == models.EventText:
		description = ev.Text

	default:
		return reject("unsupported voice input", voicePrompt()), nil
	}

	values := ParseFreeText(description, "")
	for field, value := range d.extractFields(ctx, conv, description) {
		if _, taken := values[field]; !taken {
			values[field] = value
		}
	}
	if len(values) == 0 {
		return reject("nothing recognized in description",
			models.Text("I couldn't pick out any details from that. Please try again, mentioning the designer, size, condition and price."),
		), nil
	}

	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	if err := d.store(ctx, draft, values); err != nil {
		return Transition{}, err
	}
	return d.advance(draft, created,
		models.Text(fmt.Sprintf("Thanks! I picked up %d %s from your description.", len(values), plural(len(values), "detail", "details")))), nil
}

// transcribe downloads and transcribes a voice note. A non-nil fallback is the reply to
// return instead of parsing a transcript.
func (d *Dispatcher) transcribe(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (string, *Transition, error) {
	audio, mime, err := d.deps.Sender.DownloadMedia(ctx, ev.MediaID)
	if err != nil {
		d.logger.Warn("Failed to download voice note",
			zap.String("phone", conv.PhoneNumber),
			zap.String("mediaID", ev.MediaID),
			zap.Error(err))
		tr := stay(models.Text("I couldn't download that voice note. Please send it again."))
		return "", &tr, nil
	}
	if mime == "" {
		mime = ev.MimeType
	}

	transcript, err := d.deps.Extractor.Transcribe(ctx, audio, mime)
	if errors.Is(err, extract.ErrUnavailable) {
		draft, created, err := d.loadDraft(ctx, conv)
		if err != nil {
			return "", nil, err
		}
		tr := d.advance(draft, created,
			models.Text("Voice notes aren't available right now, so let's type the details instead."))
		return "", &tr, nil
	}
	if err != nil || strings.TrimSpace(transcript) == "" {
		d.logger.Warn("Failed to transcribe voice note",
			zap.String("phone", conv.PhoneNumber),
			zap.String("mediaID", ev.MediaID),
			zap.Error(err))
		tr := stay(models.Text("I couldn't make out that voice note. Please try again, or type *menu* to choose another way."))
		return "", &tr, nil
	}
	return transcript, nil, nil
}

// extractFields asks the extractor for fields and keeps the ones that validate.
func (d *Dispatcher) extractFields(ctx context.Context, conv *models.Conversation, text string) Values {
	proposed, err := d.deps.Extractor.ExtractFields(ctx, text)
	if err != nil {
		if !errors.Is(err, extract.ErrUnavailable) {
			d.logger.Warn("Field extraction failed",
				zap.String("phone", conv.PhoneNumber),
				zap.Error(err))
		}
		return nil
	}
	return Validate(proposed)
}

func (d *Dispatcher) handleForm(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	switch {
	case ev.Kind == models.EventFlowComplete:
		values := Validate(ev.FormData)
		if len(values) == 0 {
			return reject("empty form",
				models.Text("I couldn't read that form. Please fill it in again."),
				formLaunch(d.opts.FlowID, flowToken(conv))), nil
		}
		draft, created, err := d.loadDraft(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		if err := d.store(ctx, draft, values); err != nil {
			return Transition{}, err
		}
		return d.advance(draft, created, models.Text("Thanks, got the form.")), nil

	case isTextual(ev) && parseMethod(input(ev)) == methodText:
		draft, created, err := d.loadDraft(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return d.advance(draft, created), nil

	default:
		return reject("waiting for form", formLaunch(d.opts.FlowID, flowToken(conv))), nil
	}
}

func (d *Dispatcher) handleRequiredFields(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	patch := draftPatch(draft, created)

	prompted, missing := draft.NextMissing()
	if !missing {
		return d.advance(draft, created), nil
	}
	if !isTextual(ev) {
		return reject("non-text field answer", retryPrompt(prompted)...).with(patch), nil
	}

	values := d.parseAnswer(ctx, conv, draft, ev, prompted)
	if len(values) == 0 {
		return reject("unmatched field answer", retryPrompt(prompted)...).with(patch), nil
	}

	if err := d.store(ctx, draft, values); err != nil {
		return Transition{}, err
	}
	return d.advance(draft, created), nil
}

// parseAnswer reads a reply to a field prompt. Explicit control selections always
// apply; free text only fills fields that are still empty.
func (d *Dispatcher) parseAnswer(ctx context.Context, conv *models.Conversation, draft *models.ListingDraft, ev models.InboundEvent, prompted models.Field) Values {
	if field, value, ok := ParseControl(ev.ControlID); ok {
		return Values{field: value}
	}

	text := ev.Text
	values := fillable(draft, ParseFreeText(text, prompted))
	if len(values) == 0 && prompted == models.FieldDesigner {
		if v, ok := ParseValue(models.FieldDesigner, text); ok {
			values = Values{models.FieldDesigner: v}
		}
	}
	if len(values) == 0 && len(strings.Fields(text)) >= 3 {
		values = fillable(draft, d.extractFields(ctx, conv, text))
	}
	return values
}

func fillable(draft *models.ListingDraft, values Values) Values {
	out := Values{}
	for field, value := range values {
		if !draft.Has(field) {
			out[field] = value
		}
	}
	return out
}

func (d *Dispatcher) handleNotes(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	if !isTextual(ev) {
		return reject("non-text note", notesPrompt()), nil
	}

	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	patch := draftPatch(draft, created)

	if in := input(ev); in == ControlNotesSkip || in == "skip" {
		return moveTo(models.StateConfirmingSummary, summary(draft)).with(patch), nil
	}

	note, ok := ParseValue(models.FieldNotes, ev.Text)
	if !ok {
		return reject("note too long",
			models.Text(fmt.Sprintf("That note is too long. Please keep it under %d characters, or tap Skip.", maxNotesLength)),
		).with(patch), nil
	}
	if err := d.store(ctx, draft, Values{models.FieldNotes: note}); err != nil {
		return Transition{}, err
	}
	return moveTo(models.StateConfirmingSummary, summary(draft)).with(patch), nil
}

func (d *Dispatcher) handleConfirm(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	patch := draftPatch(draft, created)

	if !isTextual(ev) {
		return reject("non-text confirmation", summary(draft)).with(patch), nil
	}

	switch input(ev) {
	case ControlConfirmSubmit, "submit", "confirm", "yes":
		return d.submit(ctx, conv, draft, patch)
	case ControlConfirmEdit, "edit":
		return moveTo(models.StateEditingField, editMenu()).with(patch).with(models.Context{
			models.CtxSubState:  subStateSelect,
			models.CtxEditField: nil,
		}), nil
	default:
		return reject("unknown confirmation", summary(draft)).with(patch), nil
	}
}

// submit adopts photos still pending for the listing, then marks the draft for review.
// MarkDraft enforces the same readiness rule in SQL.
func (d *Dispatcher) submit(ctx context.Context, conv *models.Conversation, draft *models.ListingDraft, patch models.Context) (Transition, error) {
	if draft.Status != models.ListingStatusIncomplete {
		return restart(alreadySubmitted()), nil
	}

	scope := photoScope(draft)
	pending, err := d.deps.Dedup.Photos(ctx, scope)
	if err != nil {
		return Transition{}, fmt.Errorf("failed to read photos: %w", err)
	}
	if err := d.adoptPhotos(ctx, draft, pending); err != nil {
		return Transition{}, err
	}

	if !draft.ReadyForReview(d.opts.MinPhotos) {
		return d.notReady(draft, patch), nil
	}

	// ErrNotReady past the readiness check means another event submitted it first.
	err = d.deps.Listings.MarkDraft(ctx, draft.ID, d.opts.MinPhotos)
	if errors.Is(err, repository.ErrNotReady) {
		return restart(alreadySubmitted()), nil
	}
	if err != nil {
		return Transition{}, fmt.Errorf("failed to submit listing: %w", err)
	}
	d.discardPending(ctx, scope)

	d.logger.Info("Listing submitted for review",
		zap.String("phone", conv.PhoneNumber),
		zap.String("listingID", draft.ID),
		zap.Int("photos", len(draft.Photos)))
	return restart(submitted()), nil
}

// notReady routes an incomplete draft back to the first step it is missing.
func (d *Dispatcher) notReady(draft *models.ListingDraft, patch models.Context) Transition {
	if f, missing := draft.NextMissing(); missing {
		return moveTo(models.StateCollectingRequiredFields,
			models.Text("A few details are still missing."),
			fieldPrompt(f)).with(patch)
	}
	return moveTo(models.StateCollectingPhotos, photosMissing(len(draft.Photos), d.opts.MinPhotos)).with(patch)
}

func (d *Dispatcher) handleEdit(ctx context.Context, conv *models.Conversation, ev models.InboundEvent) (Transition, error) {
	if !isTextual(ev) {
		replies, err := d.reprompt(ctx, conv)
		if err != nil {
			return Transition{}, err
		}
		return reject("non-text edit", replies...), nil
	}

	if conv.Context.StringOr(models.CtxSubState, subStateSelect) != subStateValue {
		field, ok := parseEditSelection(input(ev))
		if !ok {
			return reject("unknown edit selection", editMenu()), nil
		}
		return stay(fieldPrompt(field)).with(models.Context{
			models.CtxSubState:  subStateValue,
			models.CtxEditField: string(field),
		}), nil
	}

	field := models.Field(conv.Context.StringOr(models.CtxEditField, ""))
	if _, known := fieldLabels[field]; !known {
		return reject("edit without field", editMenu()).with(models.Context{
			models.CtxSubState:  subStateSelect,
			models.CtxEditField: nil,
		}), nil
	}

	draft, created, err := d.loadDraft(ctx, conv)
	if err != nil {
		return Transition{}, err
	}
	patch := draftPatch(draft, created)

	var values Values
	if in := input(ev); field == models.FieldNotes && (in == ControlNotesSkip || in == "skip" || in == "clear") {
		values = Values{models.FieldNotes: ""}
	} else if value, ok := ParseValue(field, ev.Input()); ok {
		values = Values{field: value}
	} else {
		return reject("invalid edit value", retryPrompt(field)...).with(patch), nil
	}

	if err := d.store(ctx, draft, values); err != nil {
		return Transition{}, err
	}
	return moveTo(models.StateConfirmingSummary, models.Text("Updated."), summary(draft)).with(patch).with(models.Context{
		models.CtxSubState:  nil,
		models.CtxEditField: nil,
	}), nil
}

func parseEditSelection(in string) (models.Field, bool) {
	if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(allFields) {
		return allFields[n-1], true
	}
	in = strings.TrimPrefix(in, editControlPrefix)
	for _, field := range allFields {
		if in == string(field) || in == strings.ToLower(fieldLabels[field]) {
			return field, true
		}
	}
	if in == "pieces included" {
		return models.FieldPieces, true
	}
	return "", false
}

// store writes values onto the draft and persists the changed fields.
func (d *Dispatcher) store(ctx context.Context, draft *models.ListingDraft, values Values) error {
	if len(values.Apply(draft)) == 0 {
		return nil
	}
	if err := d.deps.Listings.UpdateFields(ctx, draft); err != nil {
		return fmt.Errorf("failed to update listing draft: %w", err)
	}
	return nil
}

// advance prompts for the next missing field, or moves on to photos once all required
// fields are set.
func (d *Dispatcher) advance(draft *models.ListingDraft, created bool, lead ...models.OutboundMessage) Transition {
	patch := draftPatch(draft, created)
	if f, missing := draft.NextMissing(); missing {
		return moveTo(models.StateCollectingRequiredFields, append(lead, fieldPrompt(f))...).with(patch)
	}
	return moveTo(models.StateCollectingPhotos, append(lead, photoPrompt(d.opts.MinPhotos))...).with(patch)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
