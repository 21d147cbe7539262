// Package recovery restores in-flight work when ExpensePipe restarts: jobs
// and outbox messages claimed by a crashed process are requeued, and drafts
// abandoned while the process was down are swept.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup, before workers start
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState implements Recoverable.
func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type namedRecoverable struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered. Components
// recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, r: r})
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	var failed []string
	for _, nr := range rm.recoverables {
		if err := nr.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", nr.name, "error", err)
			failed = append(failed, nr.name)
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %v", len(failed), len(rm.recoverables), failed)
	}
	return nil
}
