// Package store provides storage backends for ExpensePipe.
//
// This file implements an SQLite-backed store for conversations and expenses.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams makes concurrent writers wait instead of failing with SQLITE_BUSY.
	sqliteDSNParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)

const sqliteExpenseColumns = `id, address, expense_date, description, amount, category, payment_method, card_issuer, installments, responsible, split, status, confirmed_at, source_message_id, created_at`

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}

// GetConversation retrieves the conversation state for an address.
func (s *SQLiteStore) GetConversation(ctx context.Context, address string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, phase, slots_json, message_log_json, updated_at FROM conversations WHERE address = ?`, address)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetConversation: not found", "address", address)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetConversation failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", address, err)
	}
	return state, nil
}

// UpsertConversation stores or replaces the conversation state for an address.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, state *models.ConversationState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	slotsJSON, logJSON, err := encodeConversation(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (address, phase, slots_json, message_log_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   phase = excluded.phase,
		   slots_json = excluded.slots_json,
		   message_log_json = excluded.message_log_json,
		   updated_at = excluded.updated_at`,
		state.Address, string(state.Phase), slotsJSON, logJSON, state.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.UpsertConversation failed", "error", err, "address", state.Address)
		return fmt.Errorf("failed to upsert conversation for %s: %w", state.Address, err)
	}
	slog.Debug("SQLiteStore.UpsertConversation succeeded", "address", state.Address, "phase", state.Phase)
	return nil
}

// DeleteConversation removes the conversation state for an address.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE address = ?`, address)
	if err != nil {
		slog.Error("SQLiteStore.DeleteConversation failed", "error", err, "address", address)
		return fmt.Errorf("failed to delete conversation for %s: %w", address, err)
	}
	return nil
}

// SweepAbandoned resets stale non-idle conversations to idle.
func (s *SQLiteStore) SweepAbandoned(ctx context.Context, cutoff, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET phase = 'idle', slots_json = '{}', message_log_json = '[]', updated_at = ?
		 WHERE phase <> 'idle' AND updated_at < ?`,
		now.UTC(), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep abandoned conversations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SweepExpired deletes idle conversations not touched since cutoff.
func (s *SQLiteStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE phase = 'idle' AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired conversations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// SaveExpense creates a confirmed expense, idempotent on sourceMessageID.
func (s *SQLiteStore) SaveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, false)
}

// SavePendingExpense creates a pending expense, idempotent on sourceMessageID.
func (s *SQLiteStore) SavePendingExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, true)
}

func (s *SQLiteStore) saveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string, pending bool) (models.Expense, bool, error) {
	if sourceMessageID != "" {
		existing, err := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
		if err != nil {
			return models.Expense{}, false, err
		}
		if existing != nil {
			slog.Debug("SQLiteStore.saveExpense: idempotent hit", "sourceMessageID", sourceMessageID, "expenseID", existing.ID)
			return *existing, false, nil
		}
	}

	e, err := newExpenseRecord(draft, sourceMessageID, pending, time.Now())
	if err != nil {
		return models.Expense{}, false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (`+sqliteExpenseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_message_id) DO NOTHING`,
		e.ID, e.Address, e.Date, e.Description, e.Amount.StringFixed(models.AmountPlaces), e.Category,
		string(e.PaymentMethod), nilIfEmpty(e.CardIssuer), nilIfZero(e.Installments), nilIfEmpty(string(e.Responsible)),
		e.Split, string(e.Status), nilIfNilTime(e.ConfirmedAt), nilIfEmpty(e.SourceMessageID), e.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.saveExpense failed", "error", err, "sourceMessageID", sourceMessageID)
		return models.Expense{}, false, fmt.Errorf("failed to insert expense: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// A concurrent save with the same source message id won.
		existing, err := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
		if err != nil {
			return models.Expense{}, false, err
		}
		if existing == nil {
			return models.Expense{}, false, fmt.Errorf("expense insert for %s was ignored", sourceMessageID)
		}
		return *existing, false, nil
	}
	slog.Info("SQLiteStore.saveExpense: expense created", "expenseID", e.ID, "status", e.Status, "address", e.Address)
	return e, true, nil
}

// GetExpense returns nil, nil when no expense has the id.
func (s *SQLiteStore) GetExpense(ctx context.Context, id string) (*models.Expense, error) {
	e, err := scanExpense(s.db.QueryRowContext(ctx, `SELECT `+sqliteExpenseColumns+` FROM expenses WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense %s: %w", id, err)
	}
	return e, nil
}

// GetExpenseBySourceMessageID returns nil, nil when no expense carries the id.
func (s *SQLiteStore) GetExpenseBySourceMessageID(ctx context.Context, sourceMessageID string) (*models.Expense, error) {
	if sourceMessageID == "" {
		return nil, nil
	}
	e, err := scanExpense(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExpenseColumns+` FROM expenses WHERE source_message_id = ?`, sourceMessageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense by source message %s: %w", sourceMessageID, err)
	}
	return e, nil
}

// ApplyConfirmation confirms a pending expense with a conditional update.
func (s *SQLiteStore) ApplyConfirmation(ctx context.Context, expenseID string, responsible canon.Value) (models.Expense, error) {
	if err := checkResponsible(responsible); err != nil {
		return models.Expense{}, err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE expenses SET responsible = ?, split = ?, status = 'confirmed', confirmed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(responsible), responsible == canon.ResponsibleShared, now, expenseID,
	)
	if err != nil {
		return models.Expense{}, fmt.Errorf("failed to confirm expense %s: %w", expenseID, err)
	}
	n, _ := result.RowsAffected()
	existing, err := s.GetExpense(ctx, expenseID)
	if err != nil {
		return models.Expense{}, err
	}
	if n == 1 && existing != nil {
		slog.Info("SQLiteStore.ApplyConfirmation: expense confirmed", "expenseID", expenseID, "responsible", responsible)
		return *existing, nil
	}
	return resolveConfirmation(existing, responsible)
}

// RecordConfirmationRequest stores the link between a sent request and its
// expense. Recording the same context id twice is a no-op.
func (s *SQLiteStore) RecordConfirmationRequest(ctx context.Context, req models.ConfirmationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO confirmation_requests (context_message_id, expense_id, address, created_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(context_message_id) DO NOTHING`,
		req.ContextMessageID, req.ExpenseID, req.Address, req.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record confirmation request %s: %w", req.ContextMessageID, err)
	}
	return nil
}

// GetConfirmationRequest returns nil, nil when the context id is unknown.
func (s *SQLiteStore) GetConfirmationRequest(ctx context.Context, contextMessageID string) (*models.ConfirmationRequest, error) {
	var req models.ConfirmationRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT context_message_id, expense_id, address, created_at FROM confirmation_requests WHERE context_message_id = ?`,
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
func (s *SQLiteStore) JobRepo() JobRepo { return s }

// OutboxRepo returns the store as an OutboxRepo.
func (s *SQLiteStore) OutboxRepo() OutboxRepo { return s }

// DedupRepo returns the store as a DedupRepo.
func (s *SQLiteStore) DedupRepo() DedupRepo { return s }
