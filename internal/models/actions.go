package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionKind names one operation of the reasoning contract.
type ActionKind string

const (
	// ActionExtractOrUpdateSlot sets one or more slot values.
	ActionExtractOrUpdateSlot ActionKind = "extract_or_update_slot"
	// ActionRequestClarification asks the user a question.
	ActionRequestClarification ActionKind = "request_clarification"
	// ActionFinalize signals the reasoner believes the draft is complete.
	ActionFinalize ActionKind = "finalize"
)

// IsValid reports whether k is part of the action vocabulary.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionExtractOrUpdateSlot, ActionRequestClarification, ActionFinalize:
		return true
	}
	return false
}

// SlotUpdate carries raw, not yet validated slot values. Nil means "not set
// by this call".
type SlotUpdate struct {
	Amount        *string `json:"amount,omitempty"`
	Description   *string `json:"description,omitempty"`
	PaymentMethod *string `json:"paymentMethod,omitempty"`
	Responsible   *string `json:"responsible,omitempty"`
	CardIssuer    *string `json:"cardIssuer,omitempty"`
	Installments  *string `json:"installments,omitempty"`
}

// IsEmpty reports whether the update sets nothing.
func (u SlotUpdate) IsEmpty() bool {
	return u.Amount == nil && u.Description == nil && u.PaymentMethod == nil &&
		u.Responsible == nil && u.CardIssuer == nil && u.Installments == nil
}

// Action is one operation proposed by the reasoner.
type Action struct {
	Kind     ActionKind  `json:"kind"`
	Slots    *SlotUpdate `json:"slots,omitempty"`
	Question string      `json:"question,omitempty"`
}

// SetSlots is shorthand for an extract_or_update_slot action.
func SetSlots(u SlotUpdate) Action {
	return Action{Kind: ActionExtractOrUpdateSlot, Slots: &u}
}

// Clarify is shorthand for a request_clarification action.
func Clarify(question string) Action {
	return Action{Kind: ActionRequestClarification, Question: question}
}

// Finalize is shorthand for a finalize action.
func Finalize() Action {
	return Action{Kind: ActionFinalize}
}

// ParseSlotUpdate decodes the JSON arguments of an extract_or_update_slot
// call. Numbers and strings are both accepted for amount and installments,
// since function-calling backends are inconsistent about which they emit.
func ParseSlotUpdate(arguments string) (SlotUpdate, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return SlotUpdate{}, fmt.Errorf("failed to parse slot arguments: %w", err)
	}
	var u SlotUpdate
	fields := map[string]**string{
		"amount":        &u.Amount,
		"description":   &u.Description,
		"paymentMethod": &u.PaymentMethod,
		"responsible":   &u.Responsible,
		"cardIssuer":    &u.CardIssuer,
		"installments":  &u.Installments,
	}
	for name, dst := range fields {
		msg, ok := raw[name]
		if !ok {
			continue
		}
		v, present, err := scalarString(msg)
		if err != nil {
			return SlotUpdate{}, fmt.Errorf("field %s: %w", name, err)
		}
		if present {
			*dst = &v
		}
	}
	return u, nil
}

// scalarString renders a JSON string or number as a string. null and empty
// strings count as absent.
func scalarString(msg json.RawMessage) (string, bool, error) {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "" || trimmed == "null" {
		return "", false, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return "", false, err
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err != nil {
		return "", false, fmt.Errorf("expected string or number, got %s", trimmed)
	}
	return n.String(), true, nil
}

// ParseInstallments parses an installment count such as "3", "3x", "10 vezes"
// or "à vista" (one installment).
func ParseInstallments(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(s, "vista") {
		return 1, nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "x"))
	s = strings.TrimSuffix(s, " vezes")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid installments %q", raw)
	}
	return n, nil
}
