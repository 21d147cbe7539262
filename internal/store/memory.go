package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/util"
)

// InMemoryStore is a process-local store. It implements Store together with
// the job, dedup and outbox repositories, so a single instance can back the
// whole pipeline in tests and in STATE_BACKEND=memory mode.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.ConversationState
	expenses      map[string]models.Expense
	bySource      map[string]string
	confirmations map[string]models.ConfirmationRequest
	jobs          map[string]*Job
	dedup         map[string]*DedupRecord
	outbox        map[string]*OutboxMessage
	seq           int64
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ JobRepo    = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.ConversationState),
		expenses:      make(map[string]models.Expense),
		bySource:      make(map[string]string),
		confirmations: make(map[string]models.ConfirmationRequest),
		jobs:          make(map[string]*Job),
		dedup:         make(map[string]*DedupRecord),
		outbox:        make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversation(_ context.Context, address string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[address].Clone(), nil
}

func (s *InMemoryStore) UpsertConversation(_ context.Context, state *models.ConversationState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[state.Address] = state.Clone()
	return nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, address)
	return nil
}

func (s *InMemoryStore) SweepAbandoned(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversations {
		if c.Phase != models.PhaseIdle && c.UpdatedAt.Before(cutoff) {
			c.Reset(now)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SweepExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, c := range s.conversations {
		if c.Phase == models.PhaseIdle && c.UpdatedAt.Before(cutoff) {
			delete(s.conversations, addr)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveExpense(_ context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(draft, sourceMessageID, false)
}

func (s *InMemoryStore) SavePendingExpense(_ context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(draft, sourceMessageID, true)
}

func (s *InMemoryStore) saveExpense(draft models.ExpenseDraft, sourceMessageID string, pending bool) (models.Expense, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[sourceMessageID]; ok && sourceMessageID != "" {
		return s.expenses[id], false, nil
	}
	e, err := newExpenseRecord(draft, sourceMessageID, pending, time.Now())
	if err != nil {
		return models.Expense{}, false, err
	}
	s.expenses[e.ID] = e
	if sourceMessageID != "" {
		s.bySource[sourceMessageID] = e.ID
	}
	return e, true, nil
}

func (s *InMemoryStore) GetExpense(_ context.Context, id string) (*models.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) GetExpenseBySourceMessageID(_ context.Context, sourceMessageID string) (*models.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySource[sourceMessageID]
	if !ok || sourceMessageID == "" {
		return nil, nil
	}
	e := s.expenses[id]
	return &e, nil
}

func (s *InMemoryStore) ApplyConfirmation(_ context.Context, expenseID string, responsible canon.Value) (models.Expense, error) {
	if err := checkResponsible(responsible); err != nil {
		return models.Expense{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[expenseID]
	if !ok {
		return models.Expense{}, ErrExpenseNotFound
	}
	if e.Status != models.ExpenseStatusPending {
		return resolveConfirmation(&e, responsible)
	}
	e.Confirm(responsible, time.Now())
	s.expenses[expenseID] = e
	return e, nil
}

func (s *InMemoryStore) RecordConfirmationRequest(_ context.Context, req models.ConfirmationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.confirmations[req.ContextMessageID]; !ok {
		s.confirmations[req.ContextMessageID] = req
	}
	return nil
}

func (s *InMemoryStore) GetConfirmationRequest(_ context.Context, contextMessageID string) (*models.ConfirmationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.confirmations[contextMessageID]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

// ExpenseCount returns how many expenses are stored.
func (s *InMemoryStore) ExpenseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expenses)
}

// nextSeq orders records created within the same clock tick.
func (s *InMemoryStore) nextSeq() time.Duration {
	s.seq++
	return time.Duration(s.seq)
}

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON, dedupeKey, partitionKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:           util.GenerateRandomID("job_", 32),
		Kind:         kind,
		RunAt:        runAt.UTC(),
		PayloadJSON:  payloadJSON,
		Status:       JobStatusQueued,
		MaxAttempts:  DefaultMaxAttempts,
		DedupeKey:    dedupeKey,
		PartitionKey: partitionKey,
		CreatedAt:    now.Add(s.nextSeq()),
		UpdatedAt:    now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Address: address, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(address, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("out_", 32),
		Address:     address,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now.Add(s.nextSeq()),
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	next := nextAttemptAt.UTC()
	m.NextAttemptAt = &next
	m.Status = OutboxStatusQueued
	if m.Attempts >= MaxOutboxAttempts {
		m.Status = OutboxStatusFailed
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox message ordered by
// creation.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// JobRepo returns the store as a JobRepo.
func (s *InMemoryStore) JobRepo() JobRepo { return s }

// OutboxRepo returns the store as an OutboxRepo.
func (s *InMemoryStore) OutboxRepo() OutboxRepo { return s }

// DedupRepo returns the store as a DedupRepo.
func (s *InMemoryStore) DedupRepo() DedupRepo { return s }
