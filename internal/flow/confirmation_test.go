package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

func savePending(t *testing.T, st *store.InMemoryStore, sourceID string) models.Expense {
	t.Helper()
	exp, _, err := st.SavePendingExpense(context.Background(), models.ExpenseDraft{
		Address:       testAddress,
		Date:          "2026-03-14",
		Description:   "posto",
		Amount:        decimal.RequireFromString("180.50"),
		PaymentMethod: canon.PaymentPix,
	}, sourceID)
	if err != nil {
		t.Fatalf("SavePendingExpense failed: %v", err)
	}
	return exp
}

func recordRequest(t *testing.T, st *store.InMemoryStore, contextID string, exp models.Expense) {
	t.Helper()
	err := st.RecordConfirmationRequest(context.Background(), models.ConfirmationRequest{
		ContextMessageID: contextID,
		ExpenseID:        exp.ID,
		Address:          exp.Address,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordConfirmationRequest failed: %v", err)
	}
}

func TestConfirmationWorkflow_Apply(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewConfirmationWorkflow(st, nil)
	ctx := context.Background()
	exp := savePending(t, st, "src-1")

	got, err := w.Apply(ctx, exp.ID, "Nós dois")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Status != models.ExpenseStatusConfirmed || got.Responsible != canon.ResponsibleShared || !got.Split || got.ConfirmedAt == nil {
		t.Errorf("unexpected confirmed expense: %+v", got)
	}

	// Replaying the same answer is harmless.
	if _, err := w.Apply(ctx, exp.ID, "shared"); err != nil {
		t.Errorf("replayed confirmation failed: %v", err)
	}
	if _, err := w.Apply(ctx, exp.ID, "eu"); !errors.Is(err, store.ErrAlreadyConfirmed) {
		t.Errorf("expected ErrAlreadyConfirmed, got %v", err)
	}
	if _, err := w.Apply(ctx, exp.ID, "abacate"); !errors.Is(err, ErrUnknownResponsible) {
		t.Errorf("expected ErrUnknownResponsible, got %v", err)
	}
}

func TestConfirmationWorkflow_HandleReply(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewConfirmationWorkflow(st, nil)
	ctx := context.Background()
	exp := savePending(t, st, "src-1")
	recordRequest(t, st, "wamid.ctx1", exp)

	reply := models.InboundMessage{
		From:           testAddress,
		ID:             "r1",
		Type:           models.MessageTypeInteractive,
		ReplyPayload:   string(canon.ResponsibleMe),
		ReplyContextID: "wamid.ctx1",
	}
	text, handled, err := w.HandleReply(ctx, reply)
	if err != nil || !handled {
		t.Fatalf("expected handled reply, got handled=%v err=%v", handled, err)
	}
	if !strings.Contains(text, canon.Label(canon.ResponsibleMe)) {
		t.Errorf("expected confirmation text, got %q", text)
	}

	reply.ReplyPayload = string(canon.ResponsiblePartner)
	text, handled, err = w.HandleReply(ctx, reply)
	if err != nil || !handled || !strings.Contains(text, "já foi confirmado") {
		t.Errorf("expected already-confirmed reply, got %q handled=%v err=%v", text, handled, err)
	}
	stored, _ := st.GetExpense(ctx, exp.ID)
	if stored.Responsible != canon.ResponsibleMe {
		t.Errorf("a second confirmation must not overwrite the first, got %s", stored.Responsible)
	}
}

func TestConfirmationWorkflow_HandleReplyNumberedText(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewConfirmationWorkflow(st, nil)
	exp := savePending(t, st, "src-1")
	recordRequest(t, st, "SM123", exp)

	_, handled, err := w.HandleReply(context.Background(), models.InboundMessage{
		From: testAddress, ID: "r1", Type: models.MessageTypeText, Text: "3", ReplyContextID: "SM123",
	})
	if err != nil || !handled {
		t.Fatalf("expected handled reply, got handled=%v err=%v", handled, err)
	}
	stored, _ := st.GetExpense(context.Background(), exp.ID)
	want := canon.Options(canon.KindResponsible)[2].Value
	if stored.Responsible != want {
		t.Errorf("expected option 3 (%s), got %s", want, stored.Responsible)
	}
}

func TestConfirmationWorkflow_HandleReplyNotHandled(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewConfirmationWorkflow(st, nil)
	ctx := context.Background()
	exp := savePending(t, st, "src-1")
	recordRequest(t, st, "ctx-1", exp)

	tests := []struct {
		name string
		msg  models.InboundMessage
	}{
		{"unknown context", models.InboundMessage{From: testAddress, ID: "r1", Text: "eu", ReplyContextID: "other"}},
		{"no context", models.InboundMessage{From: testAddress, ID: "r2", Text: "eu"}},
		{"other address", models.InboundMessage{From: "+5511888880000", ID: "r3", Text: "eu", ReplyContextID: "ctx-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, handled, err := w.HandleReply(ctx, tt.msg)
			if err != nil || handled {
				t.Errorf("expected unhandled reply, got handled=%v err=%v", handled, err)
			}
		})
	}
	if stored, _ := st.GetExpense(ctx, exp.ID); stored.Status != models.ExpenseStatusPending {
		t.Errorf("expense must stay pending, got %s", stored.Status)
	}
}

func TestConfirmationWorkflow_HandleReplyInvalidOption(t *testing.T) {
	st := store.NewInMemoryStore()
	w := NewConfirmationWorkflow(st, nil)
	exp := savePending(t, st, "src-1")
	recordRequest(t, st, "ctx-1", exp)

	text, handled, err := w.HandleReply(context.Background(), models.InboundMessage{
		From: testAddress, ID: "r1", Text: "abacate", ReplyContextID: "ctx-1",
	})
	if err != nil || !handled {
		t.Fatalf("expected handled reply, got handled=%v err=%v", handled, err)
	}
	if !strings.Contains(text, "abacate") || !strings.Contains(text, canon.Label(canon.ResponsibleShared)) {
		t.Errorf("expected option list, got %q", text)
	}
}
