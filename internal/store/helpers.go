package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero is the integer counterpart of nilIfEmpty.
func nilIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, partition_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey, partitionKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &partitionKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.PartitionKey = partitionKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

const outboxColumns = `id, address, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Address, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// encodeConversation serializes the typed slots and the message log.
func encodeConversation(state *models.ConversationState) (slotsJSON, logJSON string, err error) {
	slots, err := json.Marshal(state.Slots)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal slots: %w", err)
	}
	log := state.MessageLog
	if log == nil {
		log = []models.LoggedMessage{}
	}
	logBytes, err := json.Marshal(log)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal message log: %w", err)
	}
	return string(slots), string(logBytes), nil
}

// scanConversation scans address, phase, slots_json, message_log_json and
// updated_at.
func scanConversation(row rowScanner) (*models.ConversationState, error) {
	var state models.ConversationState
	var slotsJSON, logJSON sql.NullString
	if err := row.Scan(&state.Address, &state.Phase, &slotsJSON, &logJSON, &state.UpdatedAt); err != nil {
		return nil, err
	}
	if slotsJSON.String != "" {
		if err := json.Unmarshal([]byte(slotsJSON.String), &state.Slots); err != nil {
			return nil, fmt.Errorf("failed to unmarshal slots for %s: %w", state.Address, err)
		}
	}
	if logJSON.String != "" {
		if err := json.Unmarshal([]byte(logJSON.String), &state.MessageLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message log for %s: %w", state.Address, err)
		}
	}
	if len(state.MessageLog) == 0 {
		state.MessageLog = nil
	}
	return &state, nil
}

// scanExpense scans the columns listed by the backends' expense select lists.
func scanExpense(row rowScanner) (*models.Expense, error) {
	var e models.Expense
	var cardIssuer, responsible, sourceMessageID sql.NullString
	var installments sql.NullInt64
	var confirmedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Address, &e.Date, &e.Description, &e.Amount, &e.Category, &e.PaymentMethod,
		&cardIssuer, &installments, &responsible, &e.Split, &e.Status, &confirmedAt,
		&sourceMessageID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CardIssuer = cardIssuer.String
	e.Installments = int(installments.Int64)
	e.Responsible = canon.Value(responsible.String)
	e.SourceMessageID = sourceMessageID.String
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		e.ConfirmedAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
