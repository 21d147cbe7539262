package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// ErrUnknownResponsible is returned when a confirmation value does not
// canonicalize.
var ErrUnknownResponsible = errors.New("responsible value not recognised")

// ConfirmationWorkflow assigns the responsible party of pending expenses.
// Every call is a single conditional write, so replays are harmless.
type ConfirmationWorkflow struct {
	store store.ExpenseStore
	canon *canon.Canonicalizer
}

// NewConfirmationWorkflow creates a ConfirmationWorkflow. A nil canonicalizer
// means the default tables.
func NewConfirmationWorkflow(st store.ExpenseStore, c *canon.Canonicalizer) *ConfirmationWorkflow {
	if c == nil {
		c = canon.Default()
	}
	return &ConfirmationWorkflow{store: st, canon: c}
}

// Apply confirms expenseID with the canonical form of rawResponsible.
func (w *ConfirmationWorkflow) Apply(ctx context.Context, expenseID, rawResponsible string) (models.Expense, error) {
	v, ok := w.canon.Canonicalize(canon.KindResponsible, rawResponsible)
	if !ok {
		return models.Expense{}, fmt.Errorf("%w: %q", ErrUnknownResponsible, rawResponsible)
	}
	exp, err := w.store.ApplyConfirmation(ctx, expenseID, v)
	if err != nil {
		return exp, err
	}
	slog.Info("ConfirmationWorkflow.Apply: expense confirmed", "expenseID", expenseID, "responsible", v)
	return exp, nil
}

// Resolve maps the provider id of a sent confirmation request to its record.
// It returns nil, nil when the id is unknown.
func (w *ConfirmationWorkflow) Resolve(ctx context.Context, contextID string) (*models.ConfirmationRequest, error) {
	if contextID == "" {
		return nil, nil
	}
	return w.store.GetConfirmationRequest(ctx, contextID)
}

// HandleReply processes a reply to a confirmation request. handled is false
// when msg does not answer a known request from the same address.
func (w *ConfirmationWorkflow) HandleReply(ctx context.Context, msg models.InboundMessage) (reply string, handled bool, err error) {
	req, err := w.Resolve(ctx, msg.ReplyContextID)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve reply context: %w", err)
	}
	if req == nil {
		return "", false, nil
	}
	if req.Address != msg.From {
		slog.Warn("ConfirmationWorkflow.HandleReply: reply from a different address ignored", "expenseID", req.ExpenseID, "from", msg.From)
		return "", false, nil
	}

	raw := strings.TrimSpace(msg.ReplyPayload)
	if raw == "" {
		raw = strings.TrimSpace(msg.Text)
	}
	// Numbered answers refer to the list rendered by text-only transports.
	if n, convErr := strconv.Atoi(raw); convErr == nil {
		if opts := w.canon.Options(canon.KindResponsible); n >= 1 && n <= len(opts) {
			raw = string(opts[n-1].Value)
		}
	}
	exp, err := w.Apply(ctx, req.ExpenseID, raw)
	switch {
	case err == nil:
		return fmt.Sprintf("Responsável registrado: %s ✅", w.canon.Label(exp.Responsible)), true, nil
	case errors.Is(err, ErrUnknownResponsible):
		return invalidOption(w.canon, canon.KindResponsible, raw), true, nil
	case errors.Is(err, store.ErrAlreadyConfirmed):
		return fmt.Sprintf("Esse gasto já foi confirmado com responsável %s.", w.canon.Label(exp.Responsible)), true, nil
	case errors.Is(err, store.ErrExpenseCancelled):
		return "Esse gasto foi cancelado e não pode mais ser confirmado.", true, nil
	case errors.Is(err, store.ErrExpenseNotFound):
		slog.Warn("ConfirmationWorkflow.HandleReply: confirmation for missing expense", "expenseID", req.ExpenseID)
		return "Não encontrei esse gasto.", true, nil
	}
	return "", false, err
}
