// Package store provides storage backends for ExpensePipe.
//
// It defines the conversation and expense persistence contract used by the
// dialogue engine, and implements it in memory, on SQLite, on PostgreSQL and
// on DynamoDB. The SQL backends additionally carry the durable job queue, the
// inbound dedup table and the outbox.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

var (
	ErrExpenseNotFound  = errors.New("expense not found")
	ErrAlreadyConfirmed = errors.New("expense already confirmed with a different responsible")
	ErrExpenseCancelled = errors.New("expense was cancelled")
	ErrInvalidExpense   = errors.New("invalid expense")
)

// ConversationStore persists per-address dialogue state.
type ConversationStore interface {
	// GetConversation returns nil, nil when the address has no state yet.
	GetConversation(ctx context.Context, address string) (*models.ConversationState, error)
	// UpsertConversation writes the full state (last write wins).
	UpsertConversation(ctx context.Context, state *models.ConversationState) error
	DeleteConversation(ctx context.Context, address string) error
	// SweepAbandoned resets non-idle conversations last updated before cutoff
	// to idle with cleared slots and log, stamping them with now.
	SweepAbandoned(ctx context.Context, cutoff, now time.Time) (int, error)
	// SweepExpired deletes idle conversations last updated before cutoff.
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// ExpenseStore persists expenses and the confirmation requests that point at
// them.
type ExpenseStore interface {
	// SaveExpense creates a confirmed expense. It is idempotent on
	// sourceMessageID: a second call returns the first record and created=false.
	SaveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error)
	// SavePendingExpense creates an expense awaiting confirmation of its
	// responsible party, with the same idempotency as SaveExpense.
	SavePendingExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error)
	GetExpense(ctx context.Context, id string) (*models.Expense, error)
	GetExpenseBySourceMessageID(ctx context.Context, sourceMessageID string) (*models.Expense, error)
	// ApplyConfirmation confirms a pending expense. It only ever writes a
	// pending row; see resolveConfirmation for the outcomes on other rows.
	ApplyConfirmation(ctx context.Context, expenseID string, responsible canon.Value) (models.Expense, error)
	RecordConfirmationRequest(ctx context.Context, req models.ConfirmationRequest) error
	GetConfirmationRequest(ctx context.Context, contextMessageID string) (*models.ConfirmationRequest, error)
}

// Store is the full persistence contract of the dialogue core.
type Store interface {
	ConversationStore
	ExpenseStore
	Close() error
}

// PersistenceProvider is implemented by backends that also carry the durable
// job queue, the inbound dedup table and the outbox.
type PersistenceProvider interface {
	JobRepo() JobRepo
	OutboxRepo() OutboxRepo
	DedupRepo() DedupRepo
}

// Opts holds configuration for stores.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for Postgres URLs or keyword DSNs and
// "sqlite3" for everything else (treated as a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// newExpenseRecord builds and validates the record for a save. When pending
// is true the draft's responsible party is ignored.
func newExpenseRecord(draft models.ExpenseDraft, sourceMessageID string, pending bool, now time.Time) (models.Expense, error) {
	if pending {
		draft.Responsible = ""
	} else if draft.Responsible == "" {
		return models.Expense{}, fmt.Errorf("%w: %v", ErrInvalidExpense, models.ErrInvalidResponsible)
	}
	if err := draft.Validate(); err != nil {
		return models.Expense{}, fmt.Errorf("%w: %v", ErrInvalidExpense, err)
	}
	e := models.NewExpense(uuid.NewString(), draft, sourceMessageID, now)
	if err := e.Validate(); err != nil {
		return models.Expense{}, fmt.Errorf("%w: %v", ErrInvalidExpense, err)
	}
	return e, nil
}

// checkResponsible rejects values outside the canonical responsible set.
func checkResponsible(responsible canon.Value) error {
	if !canon.Default().IsValid(canon.KindResponsible, responsible) {
		return fmt.Errorf("%w: %v %q", ErrInvalidExpense, models.ErrInvalidResponsible, responsible)
	}
	return nil
}

// resolveConfirmation decides the outcome of a confirmation whose conditional
// update matched no pending row. A repeat of the same value is a no-op.
func resolveConfirmation(existing *models.Expense, responsible canon.Value) (models.Expense, error) {
	if existing == nil {
		return models.Expense{}, ErrExpenseNotFound
	}
	switch existing.Status {
	case models.ExpenseStatusConfirmed:
		if existing.Responsible == responsible {
			slog.Debug("store.resolveConfirmation: duplicate confirmation ignored", "expenseID", existing.ID)
			return *existing, nil
		}
		return *existing, ErrAlreadyConfirmed
	case models.ExpenseStatusCancelled:
		return *existing, ErrExpenseCancelled
	}
	// Still pending: the row changed between the update and the read.
	return *existing, fmt.Errorf("confirmation of expense %s did not apply", existing.ID)
}
