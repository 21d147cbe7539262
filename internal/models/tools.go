// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // One of the ActionKind values
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// clarificationParams is the argument shape of request_clarification.
type clarificationParams struct {
	Question string `json:"question"`
}

// ToAction converts the call into an Action. Unknown function names and
// malformed arguments are errors.
func (fc FunctionCall) ToAction() (Action, error) {
	kind := ActionKind(fc.Name)
	if !kind.IsValid() {
		return Action{}, fmt.Errorf("unknown function %q", fc.Name)
	}
	args := strings.TrimSpace(string(fc.Arguments))
	if args == "" {
		args = "{}"
	}

	switch kind {
	case ActionExtractOrUpdateSlot:
		u, err := ParseSlotUpdate(args)
		if err != nil {
			return Action{}, err
		}
		return SetSlots(u), nil
	case ActionRequestClarification:
		var p clarificationParams
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return Action{}, fmt.Errorf("failed to parse clarification arguments: %w", err)
		}
		return Clarify(strings.TrimSpace(p.Question)), nil
	default:
		return Finalize(), nil
	}
}
