package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/retention"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestRecoveryManager_RecoverAll(t *testing.T) {
	rm := NewRecoveryManager()
	ok := &mockRecoverable{}
	failing := &mockRecoverable{recoverError: errors.New("boom")}
	last := &mockRecoverable{}
	rm.RegisterRecoverable("ok", ok)
	rm.RegisterRecoverable("failing", failing)
	rm.RegisterRecoverable("last", last)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("Expected error when a component fails")
	}
	if !ok.recoverCalled || !failing.recoverCalled || !last.recoverCalled {
		t.Error("Expected every component to be recovered despite the failure")
	}
}

func TestRecoveryManager_Empty(t *testing.T) {
	if err := NewRecoveryManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("Expected no error with no components, got %v", err)
	}
}

func TestJobRecovery_RequeuesStaleJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	id, err := st.EnqueueJob("inbound_message", time.Now().Add(-time.Hour), `{}`, "inbound:m1", "+5511999990001")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Simulate a crash after claiming.
	if _, err := st.ClaimDueJobs(time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	runner := store.NewJobRunner(st, time.Second, store.WithStaleThreshold(time.Millisecond))

	rm := NewRecoveryManager()
	rm.RegisterRecoverable("jobs", JobRecovery(runner))
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	job, err := st.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobStatusQueued {
		t.Errorf("Expected requeued job, got status %s", job.Status)
	}
}

func TestSweepRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c := models.NewConversationState("+5511999990001", now.Add(-72*time.Hour))
	c.Phase = models.PhaseCollectingPaymentMethod
	amount := decimal.RequireFromString("10")
	c.Slots.Amount = &amount
	c.Slots.Description = "pão"
	if err := st.UpsertConversation(context.Background(), c); err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}

	sweeper := retention.NewSweeper(st, retention.WithClock(func() time.Time { return now }))
	if err := SweepRecovery(sweeper).RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	got, _ := st.GetConversation(context.Background(), "+5511999990001")
	if got == nil || got.Phase != models.PhaseIdle {
		t.Errorf("Expected the stale draft reset, got %+v", got)
	}
}
