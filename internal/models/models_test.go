package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"180,50", "180.5"},
		{"1.234,56", "1234.56"},
		{"1234.56", "1234.56"},
		{"R$ 20", "20"},
		{"r$20,00", "20"},
		{"1.234", "1234"},
		{"1,234.56", "1234.56"},
		{"10.5", "10.5"},
		{"0,005", "0.01"},
		{"1.000.000", "1000000"},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.raw)
		if err != nil {
			t.Errorf("ParseAmount(%q) unexpected error: %v", tt.raw, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestParseAmountRejects(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"", ErrEmptyAmount},
		{"   ", ErrEmptyAmount},
		{"0", ErrNonPositive},
		{"0,00", ErrNonPositive},
		{"-5", ErrNonPositive},
		{"0,001", ErrNonPositive},
		{"abc", ErrInvalidAmount},
		{"12a", ErrInvalidAmount},
	}
	for _, tt := range tests {
		if _, err := ParseAmount(tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("ParseAmount(%q) error = %v, want %v", tt.raw, err, tt.want)
		}
	}
}

func TestFindAmount(t *testing.T) {
	d, tok, ok := FindAmount("Gastei 180,50 no posto")
	if !ok {
		t.Fatal("expected an amount")
	}
	if tok != "180,50" || !d.Equal(decimal.RequireFromString("180.50")) {
		t.Errorf("got %s (%q)", d, tok)
	}

	if _, _, ok := FindAmount("paguei o almoço"); ok {
		t.Error("expected no amount")
	}

	d, tok, ok = FindAmount("mercado 1.234,56.")
	if !ok || tok != "1.234,56" || !d.Equal(decimal.RequireFromString("1234.56")) {
		t.Errorf("got %s (%q) ok=%v", d, tok, ok)
	}
}

func TestSlotsNextPhase(t *testing.T) {
	amount := decimal.RequireFromString("10")
	tests := []struct {
		name  string
		slots Slots
		want  Phase
	}{
		{"empty", Slots{}, PhaseIdle},
		{"amount only", Slots{Amount: &amount}, PhaseCollectingAmountDesc},
		{"description only", Slots{Description: "posto"}, PhaseCollectingAmountDesc},
		{"amount and description", Slots{Amount: &amount, Description: "posto"}, PhaseCollectingPaymentMethod},
		{"credit card without details", Slots{Amount: &amount, Description: "posto", PaymentMethod: canon.PaymentCreditCard}, PhaseAwaitingCardDetails},
		{"credit card issuer only", Slots{Amount: &amount, Description: "posto", PaymentMethod: canon.PaymentCreditCard, CardDetails: &CardDetails{Issuer: "nubank"}}, PhaseAwaitingCardDetails},
		{"credit card complete", Slots{Amount: &amount, Description: "posto", PaymentMethod: canon.PaymentCreditCard, CardDetails: &CardDetails{Issuer: "nubank", Installments: 1}}, PhaseCollectingResponsible},
		{"pix", Slots{Amount: &amount, Description: "posto", PaymentMethod: canon.PaymentPix}, PhaseCollectingResponsible},
		{"responsible without amount", Slots{Description: "posto", Responsible: canon.ResponsibleMe}, PhaseCollectingAmountDesc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.slots.NextPhase(); got != tt.want {
				t.Errorf("NextPhase() = %s, want %s", got, tt.want)
			}
		})
	}

	full := Slots{Amount: &amount, Description: "posto", PaymentMethod: canon.PaymentPix, Responsible: canon.ResponsibleMe}
	if !full.IsComplete() {
		t.Error("expected complete slots")
	}
}

func TestConversationAppendBounded(t *testing.T) {
	c := NewConversationState("+5511999999999", time.Now())
	for i := 0; i < 30; i++ {
		c.Append(RoleUser, string(rune('a'+i%26)), time.Now(), 5)
	}
	if len(c.MessageLog) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(c.MessageLog))
	}
	if c.MessageLog[4].Text != string(rune('a'+29%26)) {
		t.Errorf("newest entry not kept: %q", c.MessageLog[4].Text)
	}
}

func TestConversationCloneIsDeep(t *testing.T) {
	amount := decimal.RequireFromString("10")
	c := NewConversationState("+1", time.Now())
	c.Slots.Amount = &amount
	c.Slots.CardDetails = &CardDetails{Issuer: "itau"}
	c.Append(RoleUser, "oi", time.Now(), 0)

	cp := c.Clone()
	cp.Slots.CardDetails.Issuer = "nubank"
	cp.MessageLog[0].Text = "changed"
	if c.Slots.CardDetails.Issuer != "itau" || c.MessageLog[0].Text != "oi" {
		t.Error("clone shares memory with original")
	}
}

func TestNewExpenseInvariants(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	draft := ExpenseDraft{
		Address:       "+1",
		Description:   "posto",
		Amount:        decimal.RequireFromString("180.50"),
		PaymentMethod: canon.PaymentPix,
		Responsible:   canon.ResponsibleShared,
	}
	e := NewExpense("id-1", draft, "msg-1", now)
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if e.Status != ExpenseStatusConfirmed || e.ConfirmedAt == nil || !e.Split {
		t.Errorf("unexpected expense %+v", e)
	}
	if e.Date != "2024-05-10" || e.Category != DefaultCategory {
		t.Errorf("defaults not applied: date=%s category=%s", e.Date, e.Category)
	}

	draft.Responsible = ""
	p := NewExpense("id-2", draft, "msg-2", now)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate pending: %v", err)
	}
	if p.Status != ExpenseStatusPending || p.ConfirmedAt != nil || p.Split {
		t.Errorf("unexpected pending expense %+v", p)
	}
}

func TestExpenseValidateRejectsBrokenInvariants(t *testing.T) {
	now := time.Now()
	base := func() Expense {
		return NewExpense("id", ExpenseDraft{
			Description:   "mercado",
			Amount:        decimal.RequireFromString("50"),
			PaymentMethod: canon.PaymentCash,
			Responsible:   canon.ResponsibleMe,
		}, "", now)
	}

	e := base()
	e.Responsible = ""
	if err := e.Validate(); !errors.Is(err, ErrConfirmedState) {
		t.Errorf("confirmed without responsible: got %v", err)
	}

	e = base()
	e.Split = true
	if err := e.Validate(); !errors.Is(err, ErrSplitMismatch) {
		t.Errorf("split mismatch: got %v", err)
	}

	e = base()
	e.PaymentMethod = canon.PaymentCreditCard
	if err := e.Validate(); !errors.Is(err, ErrMissingCardDetails) {
		t.Errorf("credit card without details: got %v", err)
	}

	e = base()
	e.Status = ExpenseStatusPending
	if err := e.Validate(); !errors.Is(err, ErrConfirmedState) {
		t.Errorf("pending with confirmed_at: got %v", err)
	}
}

func TestParseSlotUpdate(t *testing.T) {
	u, err := ParseSlotUpdate(`{"amount": 180.5, "description": "posto", "installments": "3", "responsible": null, "cardIssuer": ""}`)
	if err != nil {
		t.Fatalf("ParseSlotUpdate: %v", err)
	}
	if u.Amount == nil || *u.Amount != "180.5" {
		t.Errorf("amount = %v", u.Amount)
	}
	if u.Description == nil || *u.Description != "posto" {
		t.Errorf("description = %v", u.Description)
	}
	if u.Installments == nil || *u.Installments != "3" {
		t.Errorf("installments = %v", u.Installments)
	}
	if u.Responsible != nil || u.CardIssuer != nil {
		t.Error("null and empty values should be absent")
	}

	if _, err := ParseSlotUpdate(`not json`); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseSlotUpdate(`{"amount": {"value": 1}}`); err == nil {
		t.Error("expected error for object amount")
	}
}

func TestParseInstallments(t *testing.T) {
	for raw, want := range map[string]int{"3": 3, "3x": 3, "10 x": 10, "12 vezes": 12, "à vista": 1} {
		got, err := ParseInstallments(raw)
		if err != nil || got != want {
			t.Errorf("ParseInstallments(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"", "0", "abc", "-2"} {
		if _, err := ParseInstallments(raw); err == nil {
			t.Errorf("ParseInstallments(%q) expected error", raw)
		}
	}
}

func TestInboundMessageConsumable(t *testing.T) {
	m := InboundMessage{From: "+1", ID: "x", Type: MessageTypeOther}
	if m.Consumable() {
		t.Error("other messages must not be consumed")
	}
	m.Type = MessageTypeInteractive
	if !m.Consumable() {
		t.Error("interactive replies must be consumed")
	}
	if err := (&InboundMessage{ID: "x"}).Validate(); !errors.Is(err, ErrEmptyFrom) {
		t.Errorf("Validate() = %v", err)
	}
}

func TestFunctionCallToAction(t *testing.T) {
	a, err := FunctionCall{Name: "extract_or_update_slot", Arguments: []byte(`{"amount":180.5,"description":"posto"}`)}.ToAction()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Kind != ActionExtractOrUpdateSlot || a.Slots == nil || *a.Slots.Amount != "180.5" || *a.Slots.Description != "posto" {
		t.Errorf("unexpected action: %+v", a)
	}

	a, err = FunctionCall{Name: "request_clarification", Arguments: []byte(`{"question":" Qual o valor? "}`)}.ToAction()
	if err != nil || a.Kind != ActionRequestClarification || a.Question != "Qual o valor?" {
		t.Errorf("unexpected clarification: %+v, %v", a, err)
	}

	a, err = FunctionCall{Name: "finalize"}.ToAction()
	if err != nil || a.Kind != ActionFinalize {
		t.Errorf("unexpected finalize: %+v, %v", a, err)
	}

	if _, err := (FunctionCall{Name: "schedule_prompt", Arguments: []byte(`{}`)}).ToAction(); err == nil {
		t.Error("expected error for unknown function")
	}
	if _, err := (FunctionCall{Name: "extract_or_update_slot", Arguments: []byte(`not json`)}).ToAction(); err == nil {
		t.Error("expected error for malformed arguments")
	}
}
