package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
)

// Phase is the dialogue phase of a conversation.
type Phase string

const (
	PhaseIdle                    Phase = "idle"
	PhaseCollectingAmountDesc    Phase = "collecting_amount_description"
	PhaseCollectingPaymentMethod Phase = "collecting_payment_method"
	PhaseAwaitingCardDetails     Phase = "awaiting_card_details"
	PhaseCollectingResponsible   Phase = "collecting_responsible"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseCollectingAmountDesc, PhaseCollectingPaymentMethod,
		PhaseAwaitingCardDetails, PhaseCollectingResponsible:
		return true
	}
	return false
}

// DefaultMessageLogLimit bounds the message log kept per conversation.
const DefaultMessageLogLimit = 20

// Role of a logged message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// LoggedMessage is one entry of the conversation log sent to the reasoner.
type LoggedMessage struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CardDetails is only present when the payment method is a credit card.
type CardDetails struct {
	Issuer       string `json:"issuer,omitempty"`
	Installments int    `json:"installments,omitempty"`
}

// Complete reports whether both issuer and installments are known.
func (c *CardDetails) Complete() bool {
	return c != nil && c.Issuer != "" && c.Installments >= 1
}

// Slots is the partially filled expense draft.
type Slots struct {
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Description   string           `json:"description,omitempty"`
	PaymentMethod canon.Value      `json:"payment_method,omitempty"`
	CardDetails   *CardDetails     `json:"card_details,omitempty"`
	Responsible   canon.Value      `json:"responsible,omitempty"`
}

// IsEmpty reports whether no slot has been filled.
func (s Slots) IsEmpty() bool {
	return s.Amount == nil && s.Description == "" && s.PaymentMethod == "" &&
		s.CardDetails == nil && s.Responsible == ""
}

// NeedsCardDetails reports whether the payment method requires issuer and
// installments that are still missing.
func (s Slots) NeedsCardDetails() bool {
	return s.PaymentMethod == canon.PaymentCreditCard && !s.CardDetails.Complete()
}

// HasCoreFields reports whether amount, description and payment method
// (plus card details when needed) are present.
func (s Slots) HasCoreFields() bool {
	return s.Amount != nil && s.Description != "" && s.PaymentMethod != "" && !s.NeedsCardDetails()
}

// IsComplete reports whether every required slot is present.
func (s Slots) IsComplete() bool {
	return s.HasCoreFields() && s.Responsible != ""
}

// NextPhase derives the phase that collects the first missing slot. Empty
// slots map to idle; complete slots also map to idle because completion is
// always persisted in the same step.
func (s Slots) NextPhase() Phase {
	switch {
	case s.IsEmpty():
		return PhaseIdle
	case s.Amount == nil || s.Description == "":
		return PhaseCollectingAmountDesc
	case s.PaymentMethod == "":
		return PhaseCollectingPaymentMethod
	case s.NeedsCardDetails():
		return PhaseAwaitingCardDetails
	case s.Responsible == "":
		return PhaseCollectingResponsible
	}
	return PhaseIdle
}

// ConversationState is the durable per-address dialogue state.
type ConversationState struct {
	Address    string          `json:"address"`
	Phase      Phase           `json:"phase"`
	Slots      Slots           `json:"slots"`
	MessageLog []LoggedMessage `json:"message_log"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewConversationState returns a fresh idle conversation for address.
func NewConversationState(address string, now time.Time) *ConversationState {
	return &ConversationState{
		Address:   address,
		Phase:     PhaseIdle,
		UpdatedAt: now,
	}
}

// Append adds a message to the log, dropping the oldest entries beyond limit.
func (c *ConversationState) Append(role Role, text string, at time.Time, limit int) {
	if limit <= 0 {
		limit = DefaultMessageLogLimit
	}
	c.MessageLog = append(c.MessageLog, LoggedMessage{Role: role, Text: text, Timestamp: at})
	if over := len(c.MessageLog) - limit; over > 0 {
		c.MessageLog = append([]LoggedMessage(nil), c.MessageLog[over:]...)
	}
}

// Reset returns the conversation to idle, clearing slots and the log.
func (c *ConversationState) Reset(now time.Time) {
	c.Phase = PhaseIdle
	c.Slots = Slots{}
	c.MessageLog = nil
	c.UpdatedAt = now
}

// Clone returns a deep copy so a turn can be discarded without side effects.
func (c *ConversationState) Clone() *ConversationState {
	if c == nil {
		return nil
	}
	out := *c
	if c.Slots.Amount != nil {
		a := *c.Slots.Amount
		out.Slots.Amount = &a
	}
	if c.Slots.CardDetails != nil {
		cd := *c.Slots.CardDetails
		out.Slots.CardDetails = &cd
	}
	out.MessageLog = append([]LoggedMessage(nil), c.MessageLog...)
	return &out
}
