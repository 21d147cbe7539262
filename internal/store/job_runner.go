// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs from the database and dispatches them to
// registered handlers. Jobs sharing a partition key run one at a time in claim
// order; different partitions run concurrently up to the worker limit.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	retryBase      time.Duration
	workers        int64
	sem            *semaphore.Weighted
	wake           chan struct{}

	laneMu   sync.Mutex
	lanes    map[string]*lane
	inFlight int
	wg       sync.WaitGroup
}

// lane is the FIFO of claimed jobs for one partition key.
type lane struct {
	jobs []Job
}

// JobRunnerOption customizes a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithWorkers sets how many jobs may execute at the same time.
func WithWorkers(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.workers = int64(n)
		}
	}
}

// WithRetryBackoff sets the base delay of the exponential retry backoff.
func WithRetryBackoff(base time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.retryBase = base
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before startup
// recovery requeues it.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		retryBase:      30 * time.Second,
		workers:        4,
		wake:           make(chan struct{}, 1),
		lanes:          make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(r.workers)
	r.claimLimit = int(r.workers) * 4
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// Notify wakes the runner without waiting for the next tick. It never blocks.
func (r *JobRunner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled and
// every dispatched lane has stopped.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "workers", r.workers)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			r.wg.Wait()
			return
		case <-ticker.C:
			r.poll(ctx)
		case <-r.wake:
			r.poll(ctx)
		}
	}
}

// RunOnce claims the currently due jobs, executes them and waits for them to
// finish. It returns the number of jobs claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	n := r.poll(ctx)
	r.wg.Wait()
	return n
}

func (r *JobRunner) poll(ctx context.Context) int {
	r.laneMu.Lock()
	capacity := r.claimLimit - r.inFlight
	r.laneMu.Unlock()
	if capacity <= 0 {
		return 0
	}

	jobs, err := r.repo.ClaimDueJobs(time.Now(), capacity)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.dispatch(ctx, job)
	}
	return len(jobs)
}

// dispatch appends the job to its partition lane, starting a drain goroutine
// when the lane was idle.
func (r *JobRunner) dispatch(ctx context.Context, job Job) {
	key := job.PartitionKey
	if key == "" {
		key = "job:" + job.ID
	}

	r.laneMu.Lock()
	r.inFlight++
	if l, ok := r.lanes[key]; ok {
		l.jobs = append(l.jobs, job)
		r.laneMu.Unlock()
		return
	}
	r.lanes[key] = &lane{jobs: []Job{job}}
	r.wg.Add(1)
	r.laneMu.Unlock()

	go r.drain(ctx, key)
}

func (r *JobRunner) drain(ctx context.Context, key string) {
	defer r.wg.Done()
	for {
		r.laneMu.Lock()
		l := r.lanes[key]
		if len(l.jobs) == 0 {
			delete(r.lanes, key)
			r.laneMu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		r.laneMu.Unlock()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			// Shutting down. Unstarted jobs stay running and are requeued by
			// RecoverStaleJobs on the next start.
			r.laneMu.Lock()
			r.inFlight -= 1 + len(l.jobs)
			delete(r.lanes, key)
			r.laneMu.Unlock()
			return
		}
		r.execute(ctx, job)
		r.sem.Release(1)

		r.laneMu.Lock()
		r.inFlight--
		r.laneMu.Unlock()
	}
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	now := time.Now()
	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "partition", job.PartitionKey)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		backoff := r.retryBase * time.Duration(1<<job.Attempt)
		if err := r.repo.FailJob(job.ID, err.Error(), now.Add(backoff)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}
