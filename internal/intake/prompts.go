package intake

import (
	"fmt"
	"strings"

	"github.com/popeskul/listing-intake/internal/models"
)

// Control ids used outside the <field>_<value> scheme.
const (
	ControlMethodVoice   = "method_voice"
	ControlMethodForm    = "method_form"
	ControlMethodText    = "method_text"
	ControlPhotosDone    = "photos_done"
	ControlNotesSkip     = "notes_skip"
	ControlConfirmSubmit = "confirm_submit"
	ControlConfirmEdit   = "confirm_edit"
	editControlPrefix    = "edit_"
)

const (
	msgGenericError = "Sorry, something went wrong on our side. Please try again in a moment."
	msgCancelled    = "Okay, I've cancelled this listing. Send any message to start a new one."
	msgHelp         = "I'll help you list an item for sale. Answer each question, or type *cancel* to start over and *menu* to see where you are."
	msgNoPhotosYet  = "I'm not collecting photos yet. I'll ask for them once the details are in."
)

var fieldLabels = map[models.Field]string{
	models.FieldDesigner:  "Designer",
	models.FieldPieces:    "Pieces included",
	models.FieldSize:      "Size",
	models.FieldCondition: "Condition",
	models.FieldPrice:     "Price",
	models.FieldNotes:     "Notes",
}

func welcomePrompt() models.OutboundMessage {
	return models.Text("Hi! I can turn your item into a listing in a few minutes. First, what's the email address on your seller account?")
}

func emailPrompt() models.OutboundMessage {
	return models.Text("Please reply with the email address on your seller account.")
}

func codePrompt(email string) models.OutboundMessage {
	return models.Text(fmt.Sprintf("I've sent a 6-digit code to %s. Reply with it here, or type *resend* for a new one.", maskEmail(email)))
}

func methodMenu() models.OutboundMessage {
	return models.Buttons("How would you like to describe your item?",
		models.Option{ID: ControlMethodVoice, Title: "Voice note"},
		models.Option{ID: ControlMethodForm, Title: "Quick form"},
		models.Option{ID: ControlMethodText, Title: "Type it out"},
	)
}

func voicePrompt() models.OutboundMessage {
	return models.Text("Send a voice note describing the item: designer, which pieces are included, size, condition and your asking price.")
}

func formLaunch(flowID, token string) models.OutboundMessage {
	return models.OutboundMessage{
		Kind: models.OutboundFlow,
		Body: "Tap below to fill in the listing form.",
		Flow: &models.FlowLaunch{
			FlowID: flowID,
			Token:  token,
			CTA:    "Open form",
			Screen: "LISTING_DETAILS",
		},
	}
}

func fieldPrompt(field models.Field) models.OutboundMessage {
	switch field {
	case models.FieldDesigner:
		return models.Text("Who's the designer or brand?")
	case models.FieldPrice:
		return models.Text("What's your asking price? For example: $85")
	case models.FieldNotes:
		return notesPrompt()
	}

	rows := make([]models.Option, 0, len(choices[field]))
	for _, c := range choices[field] {
		rows = append(rows, models.Option{ID: c.id, Title: c.title})
	}

	var body string
	switch field {
	case models.FieldPieces:
		body = "Which pieces are included?"
	case models.FieldSize:
		body = "What size is it?"
	default:
		body = "What condition is it in?"
	}
	return models.List(body, "Choose", fieldLabels[field], rows...)
}

func retryPrompt(field models.Field) []models.OutboundMessage {
	return []models.OutboundMessage{
		models.Text("Sorry, I didn't catch that."),
		fieldPrompt(field),
	}
}

func photoPrompt(minPhotos int) models.OutboundMessage {
	return models.Text(fmt.Sprintf("Great, the details are in. Now send at least %d photos of the item. Reply *done* when you've sent them all.", minPhotos))
}

func photoReceived(count, minPhotos int) models.OutboundMessage {
	if remaining := minPhotos - count; remaining > 0 {
		return models.Text(fmt.Sprintf("Got photo %d. Send at least %d more.", count, remaining))
	}
	return models.Buttons(fmt.Sprintf("Got photo %d. Send more or tap Done.", count),
		models.Option{ID: ControlPhotosDone, Title: "Done"})
}

func photoProgress(count, minPhotos int) models.OutboundMessage {
	if count < minPhotos {
		return models.Text(fmt.Sprintf("You've sent %d of the %d photos needed. Send the rest, then reply *done*.", count, minPhotos))
	}
	return models.Buttons(fmt.Sprintf("You've sent %d photos. Send more or tap Done.", count),
		models.Option{ID: ControlPhotosDone, Title: "Done"})
}

func photosMissing(count, minPhotos int) models.OutboundMessage {
	return models.Text(fmt.Sprintf("I need at least %d photos. You've sent %d, so please send %d more.", minPhotos, count, minPhotos-count))
}

func notesPrompt() models.OutboundMessage {
	return models.Buttons(fmt.Sprintf("Anything else buyers should know? Send a note (up to %d characters) or tap Skip.", maxNotesLength),
		models.Option{ID: ControlNotesSkip, Title: "Skip"})
}

func summary(draft *models.ListingDraft) models.OutboundMessage {
	var b strings.Builder
	b.WriteString("Here's your listing:\n")
	fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldDesigner], draft.Designer)
	fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldPieces], draft.PiecesIncluded)
	fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldSize], draft.Size)
	fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldCondition], draft.Condition)
	fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldPrice], FormatPrice(draft.PriceCents))
	if draft.Notes != "" {
		fmt.Fprintf(&b, "\n%s: %s", fieldLabels[models.FieldNotes], draft.Notes)
	}
	fmt.Fprintf(&b, "\nPhotos: %d", len(draft.Photos))
	b.WriteString("\n\nSubmit it for review, or edit a field?")

	return models.Buttons(b.String(),
		models.Option{ID: ControlConfirmSubmit, Title: "Submit"},
		models.Option{ID: ControlConfirmEdit, Title: "Edit"},
	)
}

func editMenu() models.OutboundMessage {
	rows := make([]models.Option, 0, len(allFields))
	for i, f := range allFields {
		rows = append(rows, models.Option{
			ID:    editControlPrefix + string(f),
			Title: fmt.Sprintf("%d. %s", i+1, fieldLabels[f]),
		})
	}
	return models.List("Which field would you like to change? Reply with its number or pick it from the list.", "Fields", "Fields", rows...)
}

func submitted() models.OutboundMessage {
	return models.Text("Submitted! Our team will review your listing shortly. Send any message to list another item.")
}

func alreadySubmitted() models.OutboundMessage {
	return models.Text("This listing was already submitted. Send any message to start a new one.")
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return email
	}
	r := []rune(local)
	return string(r[0]) + strings.Repeat("*", len(r)-1) + "@" + domain
}
