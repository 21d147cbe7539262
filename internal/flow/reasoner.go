// Package flow implements the expense dialogue: the reasoning contract, the
// slot-filling engine, the confirmation workflow and the background handlers
// that drive them from durable jobs.
package flow

import (
	"context"
	"errors"

	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// ErrReasoning wraps failures of the reasoning service. The engine leaves the
// conversation untouched when it sees one.
var ErrReasoning = errors.New("reasoning service failed")

// ReasoningRequest is what the engine sends to the reasoning service each turn.
type ReasoningRequest struct {
	Phase models.Phase
	Slots models.Slots
	Log   []models.LoggedMessage
}

// LastUserText returns the most recent user message of the log.
func (r ReasoningRequest) LastUserText() string {
	for i := len(r.Log) - 1; i >= 0; i-- {
		if r.Log[i].Role == models.RoleUser {
			return r.Log[i].Text
		}
	}
	return ""
}

// Reasoner proposes dialogue actions for the current turn. Implementations
// may return no actions; the engine then asks the phase question.
type Reasoner interface {
	ProposeActions(ctx context.Context, req ReasoningRequest) ([]models.Action, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req ReasoningRequest) ([]models.Action, error)

// ProposeActions calls f.
func (f ReasonerFunc) ProposeActions(ctx context.Context, req ReasoningRequest) ([]models.Action, error) {
	return f(ctx, req)
}
