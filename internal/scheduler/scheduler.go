// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package scheduler runs periodic safety-net jobs (reconciliation pulls,
// skeleton drift checks, catch-up sweeps) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// ErrDuplicateJob is returned when a job name is already scheduled.
var ErrDuplicateJob = errors.New("scheduler: job already exists")

// JobFunc is the body of a job. The context is canceled when the
// scheduler stops or the job exceeds its timeout.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Jobs are skipped, not queued, while a
// previous run of the same job is still going.
type Scheduler struct {
	cron       *cron.Cron
	log        zerolog.Logger
	jobTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID
	ctx  context.Context
}

// New creates a scheduler. jobTimeout bounds each run; zero means 10m.
func New(jobTimeout time.Duration) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	log := logging.WithComponent("scheduler")
	adapter := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(adapter),
			cron.SkipIfStillRunning(adapter),
		)),
		log:        log,
		jobTimeout: jobTimeout,
		jobs:       map[string]cron.EntryID{},
		ctx:        context.Background(),
	}
}

// String names the service in the supervision tree.
func (s *Scheduler) String() string {
	return "scheduler"
}

// AddJob schedules fn under name. An empty spec is a disabled job and is
// not an error. Specs follow cron.ParseStandard, including @every.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.log.Info().Str("job", name).Msg("Scheduled job disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("add job %s with spec %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	s.log.Info().Str("job", name).Str("spec", spec).Msg("Scheduled job added")
	return nil
}

// Remove unschedules name. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// NextRun returns when name runs next, or the zero time if it is not
// scheduled or the scheduler is not running.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Serve runs the cron loop until ctx is done and waits for running jobs.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// RunNow runs name once, outside its schedule, on the caller's goroutine.
func (s *Scheduler) RunNow(name string, fn JobFunc) {
	s.run(name, fn)
}

func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(logging.ContextWithNewCorrelationID(parent), s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	log := logging.Ctx(ctx)
	if err != nil {
		metrics.SchedulerJobRuns.WithLabelValues(name, "failed").Inc()
		log.Warn().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job failed")
		return
	}
	metrics.SchedulerJobRuns.WithLabelValues(name, "ok").Inc()
	log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled job finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
