// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

func noop(context.Context) error { return nil }

func TestAddJob(t *testing.T) {
	s := New(time.Minute)

	if err := s.AddJob("reconcile_likes", "@every 6h", noop); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob("reconcile_likes", "@every 1h", noop); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate AddJob = %v, want ErrDuplicateJob", err)
	}
	if err := s.AddJob("skeleton_check", "not a spec", noop); err == nil {
		t.Error("invalid spec accepted")
	}
	if err := s.AddJob("catalog_catchup", "", noop); err != nil {
		t.Errorf("disabled job = %v, want nil", err)
	}
	if !s.NextRun("catalog_catchup").IsZero() {
		t.Error("disabled job has a next run")
	}

	s.Remove("reconcile_likes")
	if err := s.AddJob("reconcile_likes", "@every 6h", noop); err != nil {
		t.Errorf("AddJob after Remove: %v", err)
	}
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	s := New(time.Minute)

	okBefore := testutil.ToFloat64(metrics.SchedulerJobRuns.WithLabelValues("test_ok", "ok"))
	failBefore := testutil.ToFloat64(metrics.SchedulerJobRuns.WithLabelValues("test_fail", "failed"))

	var sawCorrelation atomic.Bool
	s.RunNow("test_ok", func(ctx context.Context) error {
		sawCorrelation.Store(logging.CorrelationIDFromContext(ctx) != "")
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		return nil
	})
	s.RunNow("test_fail", func(context.Context) error { return errors.New("boom") })

	if got := testutil.ToFloat64(metrics.SchedulerJobRuns.WithLabelValues("test_ok", "ok")); got != okBefore+1 {
		t.Errorf("ok runs = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(metrics.SchedulerJobRuns.WithLabelValues("test_fail", "failed")); got != failBefore+1 {
		t.Errorf("failed runs = %v, want %v", got, failBefore+1)
	}
	if !sawCorrelation.Load() {
		t.Error("job context carries no correlation id")
	}
}

func TestServe_RunsScheduledJobs(t *testing.T) {
	s := New(time.Minute)

	var runs atomic.Int32
	if err := s.AddJob("catalog_catchup", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("scheduled job never ran")
	}
	if s.NextRun("catalog_catchup").IsZero() {
		t.Error("running scheduler reports no next run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
