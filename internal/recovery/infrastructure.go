package recovery

import (
	"context"

	"github.com/BTreeMap/ExpensePipe/internal/retention"
)

// StaleJobRecoverer is implemented by store.JobRunner.
type StaleJobRecoverer interface {
	RecoverStaleJobs() error
}

// StaleMessageRecoverer is implemented by store.OutboxSender.
type StaleMessageRecoverer interface {
	RecoverStaleMessages() error
}

// JobRecovery requeues jobs left running by a previous process.
func JobRecovery(r StaleJobRecoverer) Recoverable {
	return RecoverFunc(func(context.Context) error { return r.RecoverStaleJobs() })
}

// OutboxRecovery requeues outbox messages left sending by a previous process.
func OutboxRecovery(s StaleMessageRecoverer) Recoverable {
	return RecoverFunc(func(context.Context) error { return s.RecoverStaleMessages() })
}

// SweepRecovery runs one retention sweep so drafts that went stale during
// downtime are reset before new messages arrive.
func SweepRecovery(s *retention.Sweeper) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		_, err := s.Run(ctx)
		return err
	})
}
