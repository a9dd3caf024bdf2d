package intake

import "github.com/popeskul/listing-intake/internal/models"

// Transition is what a state handler returns. The dispatcher applies it in one save.
type Transition struct {
	// Next is the state to move to. Empty keeps the current state.
	Next models.State
	// Patch is merged into the conversation context. Nil values delete keys.
	Patch models.Context
	// ResetContext clears the context before Patch is applied.
	ResetContext bool
	// Authorize links the conversation to a seller.
	Authorize *Authorization
	Replies   []models.OutboundMessage
	// Rejection marks expected validation failures. The state does not advance.
	Rejection *Rejection
}

type Authorization struct {
	SellerID string
}

// Rejection describes input that did not match what the current step expects.
type Rejection struct {
	Reason string
}

func stay(replies ...models.OutboundMessage) Transition {
	return Transition{Replies: replies}
}

func moveTo(next models.State, replies ...models.OutboundMessage) Transition {
	return Transition{Next: next, Replies: replies}
}

func reject(reason string, replies ...models.OutboundMessage) Transition {
	return Transition{Rejection: &Rejection{Reason: reason}, Replies: replies}
}

// restart returns the conversation to the new state with an empty context.
func restart(replies ...models.OutboundMessage) Transition {
	return Transition{Next: models.StateNew, ResetContext: true, Replies: replies}
}

func (t Transition) with(patch models.Context) Transition {
	if t.Patch == nil {
		t.Patch = models.Context{}
	}
	for k, v := range patch {
		t.Patch[k] = v
	}
	return t
}

// mutates reports whether applying t changes the stored conversation.
func (t Transition) mutates() bool {
	return t.Next != "" || len(t.Patch) > 0 || t.ResetContext || t.Authorize != nil
}

// contextOnly reports whether t only patches the context, which can be merged into the
// stored row without rewriting the state.
func (t Transition) contextOnly() bool {
	return t.Next == "" && !t.ResetContext && t.Authorize == nil && len(t.Patch) > 0
}
