// Package models defines data structures used throughout the application.
package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the position of a conversation in the intake flow.
type State string

const (
	StateNew                          State = "new"
	StateAwaitingIdentityVerification State = "awaiting_identity_verification"
	StateChoosingIntakeMethod         State = "choosing_intake_method"
	StateAwaitingVoiceDescription     State = "awaiting_voice_description"
	StateAwaitingStructuredForm       State = "awaiting_structured_form"
	StateCollectingRequiredFields     State = "collecting_required_fields"
	StateCollectingPhotos             State = "collecting_photos"
	StateCollectingOptionalNotes      State = "collecting_optional_notes"
	StateConfirmingSummary            State = "confirming_summary"
	StateEditingField                 State = "editing_field"
)

var knownStates = map[State]struct{}{
	StateNew:                          {},
	StateAwaitingIdentityVerification: {},
	StateChoosingIntakeMethod:         {},
	StateAwaitingVoiceDescription:     {},
	StateAwaitingStructuredForm:       {},
	StateCollectingRequiredFields:     {},
	StateCollectingPhotos:             {},
	StateCollectingOptionalNotes:      {},
	StateConfirmingSummary:            {},
	StateEditingField:                 {},
}

// Valid reports whether s is one of the named states.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// ParseState converts a stored value into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown conversation state %q", v)
	}
	return s, nil
}

// Context keys shared by the dispatcher and its handlers.
const (
	CtxListingID     = "listing_id"
	CtxPendingIntent = "pending_intent"
	CtxSubState      = "sub_state"
	CtxEditField     = "edit_field"
	CtxPendingEmail  = "pending_email"
	CtxPendingSeller = "pending_seller_id"
	CtxEmailAttempts = "email_attempts"
	CtxCodeAttempts  = "code_attempts"
)

// Context is the schema-less part of a conversation. Values round-trip through JSON,
// so readers must go through the typed accessors instead of asserting directly.
type Context map[string]any

// String returns the value stored under key as a string.
func (c Context) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// StringOr returns the string under key or def when absent.
func (c Context) StringOr(key, def string) string {
	if s, ok := c.String(key); ok && s != "" {
		return s
	}
	return def
}

// Int returns the integer under key, zero when absent or malformed.
func (c Context) Int(key string) int {
	v, ok := c[key]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Clone returns a shallow copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge applies a patch. A nil value in the patch removes the key.
func (c Context) Merge(patch Context) Context {
	out := c.Clone()
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer for JSONB columns.
func (c Context) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation context: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB columns.
func (c *Context) Scan(src any) error {
	var raw []byte
	switch t := src.(type) {
	case nil:
		*c = Context{}
		return nil
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return fmt.Errorf("unsupported context column type %T", src)
	}

	out := Context{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to unmarshal conversation context: %w", err)
		}
	}
	*c = out
	return nil
}

// Conversation represents a conversation row in the database.
type Conversation struct {
	PhoneNumber  string         `db:"phone_number" json:"phone_number"`
	State        State          `db:"state" json:"state"`
	Context      Context        `db:"context" json:"context"`
	IsAuthorized bool           `db:"is_authorized" json:"is_authorized"`
	SellerID     sql.NullString `db:"seller_id" json:"seller_id,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Seller is the external seller account a conversation is linked to.
type Seller struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
