package handler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/popeskul/listing-intake/internal/models"
)

const flowTokenKey = "flow_token"

// webhookEnvelope is the WhatsApp Cloud API notification body.
type webhookEnvelope struct {
	Object string          `json:"object"`
	Entry  []envelopeEntry `json:"entry"`
}

type envelopeEntry struct {
	ID      string           `json:"id"`
	Changes []envelopeChange `json:"changes"`
}

type envelopeChange struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []inboundMessage  `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type inboundMessage struct {
	From        string            `json:"from"`
	ID          string            `json:"id"`
	Timestamp   string            `json:"timestamp"`
	Type        string            `json:"type"`
	Text        *textBody         `json:"text,omitempty"`
	Button      *templateButton   `json:"button,omitempty"`
	Interactive *interactiveReply `json:"interactive,omitempty"`
	Image       *mediaObject      `json:"image,omitempty"`
	Audio       *mediaObject      `json:"audio,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type templateButton struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type interactiveReply struct {
	Type        string     `json:"type"`
	ButtonReply *replyRow  `json:"button_reply,omitempty"`
	ListReply   *replyRow  `json:"list_reply,omitempty"`
	NfmReply    *flowReply `json:"nfm_reply,omitempty"`
}

type replyRow struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type flowReply struct {
	Name         string `json:"name"`
	Body         string `json:"body"`
	ResponseJSON string `json:"response_json"`
}

type mediaObject struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// messages returns every inbound message in the envelope in delivery order.
// Status callbacks are not messages and are skipped.
func (e *webhookEnvelope) messages() []inboundMessage {
	var out []inboundMessage
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}

// toEvent normalizes a platform message. ok is false for message types the intake
// flow does not understand, such as stickers or locations.
func (m inboundMessage) toEvent() (models.InboundEvent, bool, error) {
	ev := models.InboundEvent{
		Phone:     m.From,
		MessageID: m.ID,
		Timestamp: parseTimestamp(m.Timestamp),
	}
	if ev.Phone == "" {
		return ev, false, fmt.Errorf("message %s has no sender", m.ID)
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return ev, false, fmt.Errorf("text message %s has no body", m.ID)
		}
		ev.Kind = models.EventText
		ev.Text = m.Text.Body

	case "button":
		if m.Button == nil {
			return ev, false, fmt.Errorf("button message %s has no payload", m.ID)
		}
		ev.Kind = models.EventButton
		ev.ControlID = m.Button.Payload
		ev.Text = m.Button.Text

	case "interactive":
		if m.Interactive == nil {
			return ev, false, fmt.Errorf("interactive message %s has no reply", m.ID)
		}
		return m.Interactive.toEvent(ev)

	case "image":
		if m.Image == nil {
			return ev, false, fmt.Errorf("image message %s has no media", m.ID)
		}
		ev.Kind = models.EventImage
		ev.MediaID = m.Image.ID
		ev.MimeType = m.Image.MimeType

	case "audio":
		if m.Audio == nil {
			return ev, false, fmt.Errorf("audio message %s has no media", m.ID)
		}
		ev.Kind = models.EventAudio
		ev.MediaID = m.Audio.ID
		ev.MimeType = m.Audio.MimeType

	default:
		return ev, false, nil
	}

	return ev, true, nil
}

func (r *interactiveReply) toEvent(ev models.InboundEvent) (models.InboundEvent, bool, error) {
	switch {
	case r.ButtonReply != nil:
		ev.Kind = models.EventButton
		ev.ControlID = r.ButtonReply.ID
		ev.Text = r.ButtonReply.Title
	case r.ListReply != nil:
		ev.Kind = models.EventList
		ev.ControlID = r.ListReply.ID
		ev.Text = r.ListReply.Title
	case r.NfmReply != nil:
		data, err := parseFlowResponse(r.NfmReply.ResponseJSON)
		if err != nil {
			return ev, false, fmt.Errorf("message %s: %w", ev.MessageID, err)
		}
		ev.Kind = models.EventFlowComplete
		ev.FormData = data
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

// parseFlowResponse flattens a form submission into field values. Non-string values
// are rendered as text and the flow token is dropped.
func parseFlowResponse(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}

	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode form response: %w", err)
	}

	out := make(map[string]string, len(fields))
	for key, value := range fields {
		if key == flowTokenKey || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ", ")
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func parseTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
