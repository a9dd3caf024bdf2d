package messenger

import (
	"fmt"

	"github.com/popeskul/listing-intake/internal/models"
)

const (
	maxTextBody        = 4096
	maxInteractiveBody = 1024
	maxButtons         = 3
	maxButtonTitle     = 20
	maxListButton      = 20
	maxSectionTitle    = 24
	maxRowTitle        = 24
	maxRowDescription  = 72
	maxRows            = 10
	flowMessageVersion = "3"
)

type payload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type interactive struct {
	Type   string `json:"type"`
	Body   body   `json:"body"`
	Action action `json:"action"`
}

type body struct {
	Text string `json:"text"`
}

type action struct {
	Buttons    []replyButton   `json:"buttons,omitempty"`
	Button     string          `json:"button,omitempty"`
	Sections   []section       `json:"sections,omitempty"`
	Name       string          `json:"name,omitempty"`
	Parameters *flowParameters `json:"parameters,omitempty"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply reply  `json:"reply"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type section struct {
	Title string `json:"title,omitempty"`
	Rows  []row  `json:"rows"`
}

type row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type flowParameters struct {
	FlowMessageVersion string             `json:"flow_message_version"`
	FlowToken          string             `json:"flow_token"`
	FlowID             string             `json:"flow_id"`
	FlowCTA            string             `json:"flow_cta"`
	FlowAction         string             `json:"flow_action"`
	FlowActionPayload  *flowActionPayload `json:"flow_action_payload,omitempty"`
}

type flowActionPayload struct {
	Screen string `json:"screen"`
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func buildPayload(to string, msg models.OutboundMessage) (*payload, error) {
	p := &payload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}

	switch msg.Kind {
	case models.OutboundText, "":
		p.Type = "text"
		p.Text = &textBody{Body: truncate(msg.Body, maxTextBody)}

	case models.OutboundButtons:
		if len(msg.Buttons) == 0 {
			return nil, fmt.Errorf("%w: button message without buttons", ErrInvalidMessage)
		}
		buttons := msg.Buttons
		if len(buttons) > maxButtons {
			buttons = buttons[:maxButtons]
		}
		out := make([]replyButton, 0, len(buttons))
		for _, b := range buttons {
			out = append(out, replyButton{
				Type:  "reply",
				Reply: reply{ID: b.ID, Title: truncate(b.Title, maxButtonTitle)},
			})
		}
		p.Type = "interactive"
		p.Interactive = &interactive{
			Type:   "button",
			Body:   body{Text: truncate(msg.Body, maxInteractiveBody)},
			Action: action{Buttons: out},
		}

	case models.OutboundList:
		sections, err := buildSections(msg.Sections)
		if err != nil {
			return nil, err
		}
		label := msg.ListButton
		if label == "" {
			label = "Choose"
		}
		p.Type = "interactive"
		p.Interactive = &interactive{
			Type: "list",
			Body: body{Text: truncate(msg.Body, maxInteractiveBody)},
			Action: action{
				Button:   truncate(label, maxListButton),
				Sections: sections,
			},
		}

	case models.OutboundFlow:
		if msg.Flow == nil || msg.Flow.FlowID == "" {
			return nil, fmt.Errorf("%w: flow message without flow id", ErrInvalidMessage)
		}
		params := &flowParameters{
			FlowMessageVersion: flowMessageVersion,
			FlowToken:          msg.Flow.Token,
			FlowID:             msg.Flow.FlowID,
			FlowCTA:            truncate(msg.Flow.CTA, maxButtonTitle),
			FlowAction:         "navigate",
		}
		if msg.Flow.Screen != "" {
			params.FlowActionPayload = &flowActionPayload{Screen: msg.Flow.Screen}
		}
		p.Type = "interactive"
		p.Interactive = &interactive{
			Type:   "flow",
			Body:   body{Text: truncate(msg.Body, maxInteractiveBody)},
			Action: action{Name: "flow", Parameters: params},
		}

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, msg.Kind)
	}

	return p, nil
}

func buildSections(in []models.Section) ([]section, error) {
	remaining := maxRows
	out := make([]section, 0, len(in))
	for _, s := range in {
		if remaining == 0 {
			break
		}
		rows := make([]row, 0, len(s.Rows))
		for _, r := range s.Rows {
			if remaining == 0 {
				break
			}
			rows = append(rows, row{
				ID:          r.ID,
				Title:       truncate(r.Title, maxRowTitle),
				Description: truncate(r.Description, maxRowDescription),
			})
			remaining--
		}
		if len(rows) == 0 {
			continue
		}
		out = append(out, section{Title: truncate(s.Title, maxSectionTitle), Rows: rows})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: list message without rows", ErrInvalidMessage)
	}
	return out, nil
}
