// Package scheduler runs periodic maintenance tasks, such as the retention
// sweep, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the retention sweep once an hour.
const DefaultSweepSchedule = "@hourly"

// Task is a unit of scheduled work. It receives a context bounded by the
// task timeout.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTaskTimeout bounds each task run.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) plus @hourly style descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slogPrintf{})
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	s := &Scheduler{cron: c, timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	c.Start()
	return s
}

// AddJob schedules a named task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, name string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler.run: task failed", "task", name, "error", err)
			return
		}
		slog.Debug("Scheduler.run: task finished", "task", name, "duration", time.Since(start))
	})
	if err == nil {
		slog.Info("Scheduler.AddJob: task scheduled", "task", name, "schedule", expr)
	}
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogPrintf routes cron's error output (recovered panics, skipped runs) to slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Error("Scheduler: cron", "detail", fmt.Sprintf(format, args...))
}
