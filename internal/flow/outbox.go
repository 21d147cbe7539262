package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/messaging"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// NewOutboxSendFunc delivers queued replies through sender. Confirmation
// messages are recorded against the provider id they were sent with, so the
// later button reply can be correlated.
func NewOutboxSendFunc(sender messaging.Sender, expenses store.ExpenseStore) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p OutboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid outbox payload: %w", err)
		}
		to := p.To
		if to == "" {
			to = msg.Address
		}

		if msg.Kind != OutboxKindConfirmation {
			_, err := sender.SendText(ctx, to, p.Body)
			return err
		}

		id, err := sender.SendButtons(ctx, to, p.Body, p.Buttons)
		if err != nil {
			return err
		}
		// A failure here retries the send; only the newest request resolves.
		if err := expenses.RecordConfirmationRequest(ctx, models.ConfirmationRequest{
			ContextMessageID: id,
			ExpenseID:        p.ExpenseID,
			Address:          to,
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("failed to record confirmation request: %w", err)
		}
		slog.Debug("OutboxSendFunc: confirmation request sent", "to", to, "expenseID", p.ExpenseID, "contextID", id)
		return nil
	}
}
