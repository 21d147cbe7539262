package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/flow"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

const (
	// DefaultAckBudget bounds how long accepting a webhook batch may take
	// before the provider would time out and redeliver.
	DefaultAckBudget = 3 * time.Second
	// DefaultSeenTTL is how long an accepted message id stays in the
	// in-process seen cache.
	DefaultSeenTTL = 10 * time.Minute
)

// JobEnqueuer is the part of store.JobRepo the ingress writes to.
type JobEnqueuer interface {
	EnqueueJob(kind string, runAt time.Time, payloadJSON, dedupeKey, partitionKey string) (string, error)
}

// SourceLookup finds an expense already created from a message.
type SourceLookup interface {
	GetExpenseBySourceMessageID(ctx context.Context, sourceMessageID string) (*models.Expense, error)
}

// Ingress accepts normalized inbound messages, drops redeliveries and
// durably enqueues the rest for the background processor. It never runs a
// dialogue turn itself.
type Ingress struct {
	jobs      JobEnqueuer
	dedup     store.DedupRepo
	expenses  SourceLookup
	notify    func()
	seen      *seenCache
	ackBudget time.Duration
}

// IngressOption configures an Ingress.
type IngressOption func(*Ingress)

// WithAckBudget overrides DefaultAckBudget.
func WithAckBudget(d time.Duration) IngressOption {
	return func(i *Ingress) {
		if d > 0 {
			i.ackBudget = d
		}
	}
}

// WithSeenTTL overrides DefaultSeenTTL.
func WithSeenTTL(d time.Duration) IngressOption {
	return func(i *Ingress) { i.seen = newSeenCache(d) }
}

// WithRunnerNotifier sets the function called after messages were enqueued,
// typically JobRunner.Notify.
func WithRunnerNotifier(fn func()) IngressOption {
	return func(i *Ingress) { i.notify = fn }
}

// NewIngress creates an Ingress. dedup and expenses may be nil.
func NewIngress(jobs JobEnqueuer, dedup store.DedupRepo, expenses SourceLookup, opts ...IngressOption) *Ingress {
	i := &Ingress{
		jobs:      jobs,
		dedup:     dedup,
		expenses:  expenses,
		seen:      newSeenCache(DefaultSeenTTL),
		ackBudget: DefaultAckBudget,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Accept enqueues every new consumable message and returns how many were
// enqueued. An error means at least one message may not have been stored,
// and the caller should answer with a failure so the provider redelivers.
func (i *Ingress) Accept(ctx context.Context, msgs []models.InboundMessage) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, i.ackBudget)
	defer cancel()

	accepted := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return accepted, fmt.Errorf("ack budget exceeded: %w", err)
		}
		if err := msg.Validate(); err != nil {
			slog.Warn("Ingress.Accept: invalid message ignored", "id", msg.ID, "error", err)
			continue
		}
		if !msg.Consumable() {
			slog.Debug("Ingress.Accept: non-consumable message ignored", "id", msg.ID, "type", msg.Type)
			continue
		}
		if i.seen.Has(msg.ID) {
			slog.Debug("Ingress.Accept: duplicate in seen cache", "id", msg.ID)
			continue
		}
		if i.alreadyHandled(ctx, msg) {
			i.seen.Add(msg.ID)
			continue
		}

		payload, err := flow.EncodeInboundPayload(msg)
		if err != nil {
			return accepted, err
		}
		jobID, err := i.jobs.EnqueueJob(flow.JobKindInboundMessage, time.Now(), payload, flow.InboundDedupeKey(msg.ID), msg.From)
		if err != nil {
			slog.Error("Ingress.Accept: enqueue failed", "id", msg.ID, "from", msg.From, "error", err)
			return accepted, fmt.Errorf("enqueue message %s: %w", msg.ID, err)
		}
		if i.dedup != nil {
			if _, err := i.dedup.RecordInbound(msg.ID, msg.From); err != nil {
				slog.Warn("Ingress.Accept: failed to record inbound", "id", msg.ID, "error", err)
			}
		}
		i.seen.Add(msg.ID)
		accepted++
		slog.Debug("Ingress.Accept: message enqueued", "id", msg.ID, "from", msg.From, "job", jobID)
	}

	if accepted > 0 && i.notify != nil {
		i.notify()
	}
	return accepted, nil
}

// alreadyHandled checks the durable records. Lookup failures fall through to
// the enqueue, whose dedupe key still protects against a double turn.
func (i *Ingress) alreadyHandled(ctx context.Context, msg models.InboundMessage) bool {
	if i.expenses != nil {
		exp, err := i.expenses.GetExpenseBySourceMessageID(ctx, msg.ID)
		if err != nil {
			slog.Warn("Ingress.Accept: source lookup failed", "id", msg.ID, "error", err)
		} else if exp != nil {
			slog.Debug("Ingress.Accept: message already produced an expense", "id", msg.ID, "expenseID", exp.ID)
			return true
		}
	}
	if i.dedup != nil {
		dup, err := i.dedup.IsDuplicate(msg.ID)
		if err != nil {
			slog.Warn("Ingress.Accept: dedup lookup failed", "id", msg.ID, "error", err)
		} else if dup {
			slog.Debug("Ingress.Accept: duplicate in dedup table", "id", msg.ID)
			return true
		}
	}
	return false
}

// seenCache remembers recently accepted ids for ttl.
type seenCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	ids  map[string]time.Time
	now  func() time.Time
	adds int
}

func newSeenCache(ttl time.Duration) *seenCache {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &seenCache{ttl: ttl, ids: make(map[string]time.Time), now: time.Now}
}

func (c *seenCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.ids[id]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.ids, id)
		return false
	}
	return true
}

func (c *seenCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.ids[id] = now.Add(c.ttl)
	c.adds++
	if c.adds%256 == 0 {
		for k, exp := range c.ids {
			if now.After(exp) {
				delete(c.ids, k)
			}
		}
	}
}
