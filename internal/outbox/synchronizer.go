// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

// ErrAlreadyRunning is returned by Serve when the domain's loop is already
// running.
var ErrAlreadyRunning = errors.New("outbox: loop already running")

// PushFunc sends one record to the server. It returns the server-assigned
// id, if any, or an error classified with client.KindOf.
type PushFunc[T any] func(ctx context.Context, rec Record[T]) (serverID string, err error)

// Config configures one domain's synchronizer.
type Config struct {
	Domain   string
	MinSleep time.Duration
	MaxSleep time.Duration

	// Retention bounds how long unsynced (and, with PruneSynced, synced)
	// records are kept. Zero disables pruning.
	Retention   time.Duration
	PruneSynced bool
}

// DefaultConfig returns defaults for domain.
func DefaultConfig(domain string) Config {
	return Config{
		Domain:    domain,
		MinSleep:  time.Second,
		MaxSleep:  5 * time.Minute,
		Retention: 30 * 24 * time.Hour,
	}
}

// PassStats summarizes one drain pass.
type PassStats struct {
	Attempted  int
	Synced     int
	Retried    int
	Parked     int
	Superseded int
}

// Synchronizer drains one domain's outbox toward the server.
//
// Items are pushed one at a time in enqueue order. A pass keeps fetching
// until no pending item is left that it has not already tried at its
// current revision, so work enqueued during the pass is picked up while
// items that just failed with a network error are not spun on. Between
// passes the loop sleeps on a bounded exponential schedule that WakeUp
// cuts short.
type Synchronizer[T any] struct {
	cfg   Config
	store Store[T]
	push  PushFunc[T]
	log   zerolog.Logger
	now   func() time.Time

	onUnauthorized func(error)

	wake    chan struct{}
	drainMu sync.Mutex
	running atomic.Bool

	initOnce sync.Once
	initErr  error
}

// Option customizes a Synchronizer.
type Option[T any] func(*Synchronizer[T])

// WithUnauthorizedHandler registers fn to run when a push is rejected as
// unauthorized.
func WithUnauthorizedHandler[T any](fn func(error)) Option[T] {
	return func(s *Synchronizer[T]) { s.onUnauthorized = fn }
}

// New creates a Synchronizer. It does nothing until Initialize or Serve
// is called.
func New[T any](cfg Config, store Store[T], push PushFunc[T], opts ...Option[T]) *Synchronizer[T] {
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = time.Second
	}
	if cfg.MaxSleep < cfg.MinSleep {
		cfg.MaxSleep = cfg.MinSleep
	}
	s := &Synchronizer[T]{
		cfg:   cfg,
		store: store,
		push:  push,
		log:   logging.WithComponent("outbox").With().Str("domain", cfg.Domain).Logger(),
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Domain returns the domain name.
func (s *Synchronizer[T]) Domain() string {
	return s.cfg.Domain
}

// String names the service in the supervision tree.
func (s *Synchronizer[T]) String() string {
	return "outbox-" + s.cfg.Domain
}

// Store returns the underlying record store.
func (s *Synchronizer[T]) Store() Store[T] {
	return s.store
}

// Enqueue records a local mutation and wakes the loop.
func (s *Synchronizer[T]) Enqueue(ctx context.Context, id string, payload T) (Record[T], error) {
	rec, err := s.store.Put(ctx, id, payload)
	if err != nil {
		return rec, err
	}
	s.WakeUp()
	return rec, nil
}

// WakeUp cancels the current sleep so a drain pass starts right away.
// Calls made while a pass is running trigger one more pass afterwards.
func (s *Synchronizer[T]) WakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Initialize runs one-time startup work: records left Syncing by a
// previous process are demoted to PendingSync and records older than the
// retention window are pruned. Later calls return the first result.
func (s *Synchronizer[T]) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		n, err := s.store.ResetSyncing(ctx)
		if err != nil {
			s.initErr = err
			return
		}
		if n > 0 {
			s.log.Info().Int("records", n).Msg("Demoted interrupted records to pending")
		}

		if s.cfg.Retention > 0 {
			pruned, err := s.store.Prune(ctx, s.now().Add(-s.cfg.Retention), s.cfg.PruneSynced)
			if err != nil {
				s.initErr = err
				return
			}
			if pruned > 0 {
				s.log.Info().Int("records", pruned).Dur("retention", s.cfg.Retention).Msg("Pruned old outbox records")
			}
		}
		s.log.Debug().Msg("Outbox initialized")
	})
	return s.initErr
}

// Serve runs the drain loop until ctx is done. Only one loop per
// Synchronizer may run; a second concurrent call returns ErrAlreadyRunning.
// A restarted loop first demotes records left Syncing by the loop it
// replaces.
func (s *Synchronizer[T]) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if err := s.Initialize(ctx); err != nil {
		return err
	}
	if _, err := s.store.ResetSyncing(ctx); err != nil {
		return err
	}

	sleep := backoff.NewExponentialBackOff()
	sleep.InitialInterval = s.cfg.MinSleep
	sleep.MaxInterval = s.cfg.MaxSleep
	sleep.Multiplier = 2
	sleep.RandomizationFactor = 0
	sleep.MaxElapsedTime = 0
	sleep.Reset()

	s.log.Info().Dur("min_sleep", s.cfg.MinSleep).Dur("max_sleep", s.cfg.MaxSleep).Msg("Outbox loop started")
	defer s.log.Info().Msg("Outbox loop stopped")

	wait := time.Duration(0)
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.wake:
				timer.Stop()
				sleep.Reset()
			case <-timer.C:
			}
		}

		stats, err := s.Drain(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Outbox drain pass failed")
		}

		if stats.Synced > 0 || stats.Parked > 0 {
			sleep.Reset()
		}
		wait = sleep.NextBackOff()
	}
}

// Drain runs one pass. It is safe to call while the loop is running;
// passes never overlap.
func (s *Synchronizer[T]) Drain(ctx context.Context) (PassStats, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := s.log.With().Str("correlation_id", logging.CorrelationIDFromContext(ctx)).Logger()
	start := time.Now()

	var stats PassStats
	tried := make(map[string]uint64)
	for {
		pending, err := s.store.Pending(ctx)
		if err != nil {
			return stats, err
		}

		batch := pending[:0]
		for _, rec := range pending {
			if rev, ok := tried[rec.ID]; !ok || rev != rec.Revision {
				batch = append(batch, rec)
			}
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			tried[rec.ID] = rec.Revision
			if err := s.process(ctx, log, rec, &stats); err != nil {
				return stats, err
			}
		}
	}

	metrics.OutboxDrainDuration.WithLabelValues(s.cfg.Domain).Observe(time.Since(start).Seconds())
	s.publishCounts(ctx)
	if stats.Attempted > 0 {
		log.Debug().
			Int("attempted", stats.Attempted).
			Int("synced", stats.Synced).
			Int("retried", stats.Retried).
			Int("parked", stats.Parked).
			Int("superseded", stats.Superseded).
			Dur("took", time.Since(start)).
			Msg("Drain pass finished")
	}
	return stats, nil
}

// process pushes one record. Errors returned are storage errors; push
// failures are recorded on the record.
func (s *Synchronizer[T]) process(ctx context.Context, log zerolog.Logger, rec Record[T], stats *PassStats) error {
	claimed, op, err := s.store.Update(ctx, rec.ID, func(cur Record[T], exists bool) (Record[T], Op) {
		if !exists || cur.Status != models.StatusPendingSync || cur.Revision != rec.Revision {
			return cur, OpKeep
		}
		cur.Status = models.StatusSyncing
		cur.Attempts++
		cur.UpdatedAt = s.now()
		return cur, OpPut
	})
	if err != nil {
		return err
	}
	if op != OpPut {
		return nil
	}
	stats.Attempted++

	serverID, pushErr := s.push(ctx, claimed)

	next := models.StatusSynced
	result := "synced"
	switch {
	case pushErr == nil:
	case ctx.Err() != nil || client.IsRetryable(pushErr):
		next, result = models.StatusPendingSync, "retry"
	default:
		next, result = models.StatusSyncError, "parked"
	}

	// The outcome is recorded even if ctx was cancelled mid-push.
	_, op, err = s.store.Update(context.WithoutCancel(ctx), rec.ID, func(cur Record[T], exists bool) (Record[T], Op) {
		if !exists || cur.Revision != claimed.Revision {
			result = "superseded"
			return cur, OpKeep
		}
		cur.Status = next
		cur.UpdatedAt = s.now()
		if pushErr != nil {
			cur.LastError = pushErr.Error()
		} else {
			cur.LastError = ""
			if serverID != "" {
				cur.ServerID = serverID
			}
		}
		return cur, OpPut
	})
	if err != nil {
		return err
	}
	metrics.OutboxPushes.WithLabelValues(s.cfg.Domain, result).Inc()

	switch result {
	case "synced":
		stats.Synced++
	case "retry":
		stats.Retried++
		log.Debug().Err(pushErr).Str("id", rec.ID).Msg("Push failed, will retry")
	case "superseded":
		stats.Superseded++
	case "parked":
		stats.Parked++
		s.logParked(log, rec.ID, pushErr)
	}
	return nil
}

func (s *Synchronizer[T]) logParked(log zerolog.Logger, id string, err error) {
	switch client.KindOf(err) {
	case client.KindUnauthorized:
		log.Warn().Err(err).Str("id", id).Msg("Push rejected as unauthorized")
		if s.onUnauthorized != nil {
			s.onUnauthorized(err)
		}
	case client.KindNotFound:
		log.Info().Err(err).Str("id", id).Msg("Push target no longer exists")
	default:
		log.Error().Err(err).Str("id", id).Msg("Push failed with an unexpected error")
	}
}

func (s *Synchronizer[T]) publishCounts(ctx context.Context) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return
	}
	for st, n := range counts {
		metrics.OutboxItems.WithLabelValues(s.cfg.Domain, string(st)).Set(float64(n))
	}
}

// Retry moves every SyncError record back to PendingSync and wakes the
// loop. It returns the number of records requeued.
func (s *Synchronizer[T]) Retry(ctx context.Context) (int, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range list {
		if rec.Status != models.StatusSyncError {
			continue
		}
		_, op, err := s.store.Update(ctx, rec.ID, func(cur Record[T], exists bool) (Record[T], Op) {
			if !exists || cur.Status != models.StatusSyncError {
				return cur, OpKeep
			}
			cur.Status = models.StatusPendingSync
			cur.UpdatedAt = s.now()
			return cur, OpPut
		})
		if err != nil {
			return n, err
		}
		if op == OpPut {
			n++
		}
	}
	if n > 0 {
		s.WakeUp()
	}
	return n, nil
}
