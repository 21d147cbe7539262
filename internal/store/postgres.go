// Package store provides storage backends for ExpensePipe.
//
// This file implements a PostgreSQL-backed store for conversations and expenses.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

const (
	postgresExpenseInsertColumns = `id, address, expense_date, description, amount, category, payment_method, card_issuer, installments, responsible, split, status, confirmed_at, source_message_id, created_at`
	postgresExpenseSelectColumns = `id, address, to_char(expense_date, 'YYYY-MM-DD'), description, amount, category, payment_method, card_issuer, installments, responsible, split, status, confirmed_at, source_message_id, created_at`
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// GetConversation retrieves the conversation state for an address.
func (s *PostgresStore) GetConversation(ctx context.Context, address string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, phase, slots_json::text, message_log_json::text, updated_at FROM conversations WHERE address = $1`, address)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetConversation failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", address, err)
	}
	return state, nil
}

// UpsertConversation stores or replaces the conversation state for an address.
func (s *PostgresStore) UpsertConversation(ctx context.Context, state *models.ConversationState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	slotsJSON, logJSON, err := encodeConversation(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (address, phase, slots_json, message_log_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (address) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   slots_json = EXCLUDED.slots_json,
		   message_log_json = EXCLUDED.message_log_json,
		   updated_at = EXCLUDED.updated_at`,
		state.Address, string(state.Phase), slotsJSON, logJSON, state.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.UpsertConversation failed", "error", err, "address", state.Address)
		return fmt.Errorf("failed to upsert conversation for %s: %w", state.Address, err)
	}
	slog.Debug("PostgresStore.UpsertConversation succeeded", "address", state.Address, "phase", state.Phase)
	return nil
}

// DeleteConversation removes the conversation state for an address.
func (s *PostgresStore) DeleteConversation(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE address = $1`, address); err != nil {
		return fmt.Errorf("failed to delete conversation for %s: %w", address, err)
	}
	return nil
}

// SweepAbandoned resets stale non-idle conversations to idle.
func (s *PostgresStore) SweepAbandoned(ctx context.Context, cutoff, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET phase = 'idle', slots_json = '{}'::jsonb, message_log_json = '[]'::jsonb, updated_at = $1
		 WHERE phase <> 'idle' AND updated_at < $2`,
		now.UTC(), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned conversations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SweepExpired deletes idle conversations not touched since cutoff.
func (s *PostgresStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE phase = 'idle' AND updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired conversations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SaveExpense creates a confirmed expense, idempotent on sourceMessageID.
func (s *PostgresStore) SaveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, false)
}

// SavePendingExpense creates a pending expense, idempotent on sourceMessageID.
func (s *PostgresStore) SavePendingExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, true)
}

func (s *PostgresStore) saveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string, pending bool) (models.Expense, bool, error) {
	if sourceMessageID != "" {
		existing, err := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
		if err != nil {
			return models.Expense{}, false, err
		}
		if existing != nil {
			slog.Debug("PostgresStore.saveExpense: idempotent hit", "sourceMessageID", sourceMessageID, "expenseID", existing.ID)
			return *existing, false, nil
		}
	}

	e, err := newExpenseRecord(draft, sourceMessageID, pending, time.Now())
	if err != nil {
		return models.Expense{}, false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (`+postgresExpenseInsertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source_message_id) DO NOTHING`,
		e.ID, e.Address, e.Date, e.Description, e.Amount, e.Category,
		string(e.PaymentMethod), nilIfEmpty(e.CardIssuer), nilIfZero(e.Installments), nilIfEmpty(string(e.Responsible)),
		e.Split, string(e.Status), nilIfNilTime(e.ConfirmedAt), nilIfEmpty(e.SourceMessageID), e.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.saveExpense failed", "error", err, "sourceMessageID", sourceMessageID)
		return models.Expense{}, false, fmt.Errorf("failed to insert expense: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Expense{}, false, fmt.Errorf("expense rows affected check failed: %w", err)
	}
	if n == 0 {
		existing, err := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
		if err != nil {
			return models.Expense{}, false, err
		}
		if existing == nil {
			return models.Expense{}, false, fmt.Errorf("expense insert for %s was ignored", sourceMessageID)
		}
		return *existing, false, nil
	}
	slog.Info("PostgresStore.saveExpense: expense created", "expenseID", e.ID, "status", e.Status, "address", e.Address)
	return e, true, nil
}

// GetExpense returns nil, nil when no expense has the id.
func (s *PostgresStore) GetExpense(ctx context.Context, id string) (*models.Expense, error) {
	e, err := scanExpense(s.db.QueryRowContext(ctx, `SELECT `+postgresExpenseSelectColumns+` FROM expenses WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense %s: %w", id, err)
	}
	return e, nil
}

// GetExpenseBySourceMessageID returns nil, nil when no expense carries the id.
func (s *PostgresStore) GetExpenseBySourceMessageID(ctx context.Context, sourceMessageID string) (*models.Expense, error) {
	if sourceMessageID == "" {
		return nil, nil
	}
	e, err := scanExpense(s.db.QueryRowContext(ctx,
		`SELECT `+postgresExpenseSelectColumns+` FROM expenses WHERE source_message_id = $1`, sourceMessageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense by source message %s: %w", sourceMessageID, err)
	}
	return e, nil
}

// ApplyConfirmation confirms a pending expense with a conditional update.
func (s *PostgresStore) ApplyConfirmation(ctx context.Context, expenseID string, responsible canon.Value) (models.Expense, error) {
	if err := checkResponsible(responsible); err != nil {
		return models.Expense{}, err
	}
	now := time.Now().UTC()
	e, err := scanExpense(s.db.QueryRowContext(ctx,
		`UPDATE expenses SET responsible = $1, split = $2, status = 'confirmed', confirmed_at = $3
		 WHERE id = $4 AND status = 'pending'
		 RETURNING `+postgresExpenseSelectColumns,
		string(responsible), responsible == canon.ResponsibleShared, now, expenseID,
	))
	if err == nil {
		slog.Info("PostgresStore.ApplyConfirmation: expense confirmed", "expenseID", expenseID, "responsible", responsible)
		return *e, nil
	}
	if err != sql.ErrNoRows {
		return models.Expense{}, fmt.Errorf("failed to confirm expense %s: %w", expenseID, err)
	}
	existing, err := s.GetExpense(ctx, expenseID)
	if err != nil {
		return models.Expense{}, err
	}
	return resolveConfirmation(existing, responsible)
}

// RecordConfirmationRequest stores the link between a sent request and its
// expense. Recording the same context id twice is a no-op.
func (s *PostgresStore) RecordConfirmationRequest(ctx context.Context, req models.ConfirmationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO confirmation_requests (context_message_id, expense_id, address, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (context_message_id) DO NOTHING`,
		req.ContextMessageID, req.ExpenseID, req.Address, req.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record confirmation request %s: %w", req.ContextMessageID, err)
	}
	return nil
}

// GetConfirmationRequest returns nil, nil when the context id is unknown.
func (s *PostgresStore) GetConfirmationRequest(ctx context.Context, contextMessageID string) (*models.ConfirmationRequest, error) {
	var req models.ConfirmationRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT context_message_id, expense_id, address, created_at FROM confirmation_requests WHERE context_message_id = $1`,
		contextMessageID,
	).Scan(&req.ContextMessageID, &req.ExpenseID, &req.Address, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation request %s: %w", contextMessageID, err)
	}
	return &req, nil
}

// JobRepo returns the store as a JobRepo.
func (s *PostgresStore) JobRepo() JobRepo { return s }

// OutboxRepo returns the store as an OutboxRepo.
func (s *PostgresStore) OutboxRepo() OutboxRepo { return s }

// DedupRepo returns the store as a DedupRepo.
func (s *PostgresStore) DedupRepo() DedupRepo { return s }
