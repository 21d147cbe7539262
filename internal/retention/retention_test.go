package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *store.InMemoryStore, address string, phase models.Phase, age time.Duration) {
	t.Helper()
	c := models.NewConversationState(address, now.Add(-age))
	c.Phase = phase
	if phase != models.PhaseIdle {
		amount := decimal.RequireFromString("10.00")
		c.Slots.Amount = &amount
	}
	if err := st.UpsertConversation(context.Background(), c); err != nil {
		t.Fatalf("UpsertConversation failed: %v", err)
	}
}

func TestSweeper_Run(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "+551100000001", models.PhaseCollectingPaymentMethod, 72*time.Hour) // abandoned
	seed(t, st, "+551100000002", models.PhaseCollectingPaymentMethod, time.Hour)    // active draft
	seed(t, st, "+551100000003", models.PhaseIdle, 8*24*time.Hour)                  // expired
	seed(t, st, "+551100000004", models.PhaseIdle, 24*time.Hour)                    // recent idle
	seed(t, st, "+551100000005", models.PhaseAwaitingCardDetails, 10*24*time.Hour)  // abandoned, then kept

	s := NewSweeper(st, WithClock(func() time.Time { return now }))
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Abandoned != 2 || res.Expired != 1 {
		t.Fatalf("expected 2 abandoned and 1 expired, got %+v", res)
	}

	ctx := context.Background()
	c, _ := st.GetConversation(ctx, "+551100000001")
	if c == nil || c.Phase != models.PhaseIdle || !c.Slots.IsEmpty() || !c.UpdatedAt.Equal(now) {
		t.Errorf("expected abandoned draft reset to idle, got %+v", c)
	}
	if c, _ := st.GetConversation(ctx, "+551100000002"); c == nil || c.Phase != models.PhaseCollectingPaymentMethod {
		t.Errorf("active draft must be untouched, got %+v", c)
	}
	if c, _ := st.GetConversation(ctx, "+551100000003"); c != nil {
		t.Errorf("expected expired conversation deleted, got %+v", c)
	}
	if c, _ := st.GetConversation(ctx, "+551100000004"); c == nil {
		t.Error("recent idle conversation must be kept")
	}
	if c, _ := st.GetConversation(ctx, "+551100000005"); c == nil || c.Phase != models.PhaseIdle {
		t.Errorf("reset draft must survive the same run, got %+v", c)
	}

	// A second run finds nothing new.
	res, err = s.Run(ctx)
	if err != nil || res.Abandoned != 0 || res.Expired != 0 {
		t.Errorf("expected empty second run, got %+v, %v", res, err)
	}
}

type failingSweeper struct{ err error }

func (f failingSweeper) SweepAbandoned(context.Context, time.Time, time.Time) (int, error) {
	return 0, f.err
}

func (f failingSweeper) SweepExpired(context.Context, time.Time) (int, error) { return 0, nil }

func TestSweeper_RunError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := NewSweeper(failingSweeper{err: boom}).Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestSweeper_Options(t *testing.T) {
	s := NewSweeper(failingSweeper{}, WithAbandonAfter(time.Hour), WithExpireAfter(0))
	if s.abandonAfter != time.Hour || s.expireAfter != DefaultExpireAfter {
		t.Errorf("unexpected durations: %v / %v", s.abandonAfter, s.expireAfter)
	}
}
