// Package retention resets abandoned drafts and deletes long-idle
// conversations.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultAbandonAfter is how long a non-idle draft may sit untouched
	// before it is reset to idle.
	DefaultAbandonAfter = 48 * time.Hour
	// DefaultExpireAfter is how long an idle conversation is kept.
	DefaultExpireAfter = 7 * 24 * time.Hour
)

// ConversationSweeper is the part of the conversation store the sweeper
// needs. Both methods must be conditional writes so a conversation touched
// after the cutoff is never swept.
type ConversationSweeper interface {
	SweepAbandoned(ctx context.Context, cutoff, now time.Time) (int, error)
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Result reports how many conversations one run touched.
type Result struct {
	Abandoned int `json:"abandoned"`
	Expired   int `json:"expired"`
}

// Sweeper applies the retention policy.
type Sweeper struct {
	store        ConversationSweeper
	abandonAfter time.Duration
	expireAfter  time.Duration
	now          func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithAbandonAfter overrides DefaultAbandonAfter.
func WithAbandonAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.abandonAfter = d
		}
	}
}

// WithExpireAfter overrides DefaultExpireAfter.
func WithExpireAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.expireAfter = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper over store.
func NewSweeper(store ConversationSweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:        store,
		abandonAfter: DefaultAbandonAfter,
		expireAfter:  DefaultExpireAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run resets abandoned drafts, then deletes expired idle conversations. A
// draft reset in this run counts as fresh and is not expired by it.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	now := s.now()
	var res Result

	n, err := s.store.SweepAbandoned(ctx, now.Add(-s.abandonAfter), now)
	if err != nil {
		return res, fmt.Errorf("sweep abandoned: %w", err)
	}
	res.Abandoned = n

	n, err = s.store.SweepExpired(ctx, now.Add(-s.expireAfter))
	if err != nil {
		return res, fmt.Errorf("sweep expired: %w", err)
	}
	res.Expired = n

	if res.Abandoned > 0 || res.Expired > 0 {
		slog.Info("Sweeper.Run: retention applied", "abandoned", res.Abandoned, "expired", res.Expired)
	} else {
		slog.Debug("Sweeper.Run: nothing to sweep")
	}
	return res, nil
}
