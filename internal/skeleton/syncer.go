// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package skeleton

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

// ErrChecksumMismatch reports that a delta did not lead to the checksum
// the server advertised.
var ErrChecksumMismatch = errors.New("skeleton: checksum mismatch after delta")

// Source is the server side of skeleton sync.
type Source interface {
	SkeletonVersion(ctx context.Context) (models.SkeletonVersion, error)
	// SkeletonDelta returns client.ErrVersionTooOld when since is outside
	// the server's delta history.
	SkeletonDelta(ctx context.Context, since int64) (*models.SkeletonDelta, error)
	FullSkeleton(ctx context.Context) (*models.FullSkeleton, error)
}

// Outcome is the user-visible result of a sync run.
type Outcome int

const (
	Success Outcome = iota
	AlreadyUpToDate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AlreadyUpToDate:
		return "up_to_date"
	default:
		return "failed"
	}
}

// Mode is how the local skeleton was brought up to date.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeDelta Mode = "delta"
	ModeFull  Mode = "full"
)

// Result describes one sync run. Err is set only when Outcome is Failed.
// FullReason explains why a full snapshot was used instead of a delta.
type Result struct {
	Outcome    Outcome
	Mode       Mode
	Version    int64
	FullReason string
	Err        error
}

// SyncerConfig tunes the syncer.
type SyncerConfig struct {
	// VerifyLocalChecksum recomputes the local checksum after a delta and
	// compares it with the server's, when the server uses the sha256 scheme.
	VerifyLocalChecksum bool
	// RunTimeout bounds one shared run. Zero means DefaultRunTimeout.
	RunTimeout time.Duration
}

// DefaultRunTimeout bounds a sync run when SyncerConfig.RunTimeout is unset.
const DefaultRunTimeout = 5 * time.Minute

// Syncer reconciles the local skeleton with the server. Concurrent calls
// share one run.
type Syncer struct {
	source Source
	store  *Store
	cfg    SyncerConfig
	group  singleflight.Group
}

// NewSyncer creates a Syncer.
func NewSyncer(source Source, store *Store, cfg SyncerConfig) *Syncer {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Syncer{source: source, store: store, cfg: cfg}
}

// Sync probes the server version and applies a delta or a full snapshot
// as needed. Errors never escape as panics or returned errors; they are
// reported in Result.Err with Outcome Failed.
func (s *Syncer) Sync(ctx context.Context) Result {
	return s.do(ctx, "sync", false)
}

// ResyncFull ignores version and checksum and replaces the skeleton with a
// fresh snapshot. It backs the user's "force resync" when the local mirror
// is suspected corrupt despite matching checksums.
func (s *Syncer) ResyncFull(ctx context.Context) Result {
	return s.do(ctx, "full", true)
}

// do runs the shared flight detached from the caller's cancellation, so
// one caller giving up does not fail the others that joined it. A caller
// whose ctx ends stops waiting and gets a Failed result.
func (s *Syncer) do(ctx context.Context, key string, forceFull bool) Result {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
		defer cancel()
		ctx = logging.ContextWithNewCorrelationID(ctx)
		start := time.Now()

		var res Result
		if forceFull {
			res = s.full(ctx, "forced")
		} else {
			res = s.run(ctx)
		}

		metrics.RecordSkeletonSync(string(res.Mode), res.Outcome.String(), time.Since(start))
		log := logging.Ctx(ctx)
		if res.Outcome == Failed {
			log.Warn().Err(res.Err).Str("mode", string(res.Mode)).Msg("Skeleton sync failed")
		} else {
			log.Info().
				Str("outcome", res.Outcome.String()).
				Str("mode", string(res.Mode)).
				Int64("version", res.Version).
				Str("full_reason", res.FullReason).
				Dur("took", time.Since(start)).
				Msg("Skeleton sync finished")
		}
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return failed(ModeNone, fmt.Errorf("wait for skeleton sync: %w", ctx.Err()))
	}
}

func (s *Syncer) run(ctx context.Context) Result {
	local, err := s.store.Version(ctx)
	if err != nil {
		return failed(ModeNone, fmt.Errorf("read local skeleton version: %w", err))
	}

	remote, err := s.source.SkeletonVersion(ctx)
	if err != nil {
		return failed(ModeNone, fmt.Errorf("fetch skeleton version: %w", err))
	}

	if local.Checksum == remote.Checksum {
		return Result{Outcome: AlreadyUpToDate, Mode: ModeNone, Version: local.Version}
	}

	if local.Version == 0 {
		return s.full(ctx, "no local skeleton")
	}
	if local.Version > remote.Version {
		return s.full(ctx, "local version ahead of server")
	}

	res, reason := s.delta(ctx, local, remote)
	if reason == "" {
		return res
	}
	return s.full(ctx, reason)
}

// delta tries the incremental path. A non-empty reason means the caller
// must fall back to a full snapshot.
func (s *Syncer) delta(ctx context.Context, local, remote models.SkeletonVersion) (Result, string) {
	d, err := s.source.SkeletonDelta(ctx, local.Version)
	if errors.Is(err, client.ErrVersionTooOld) {
		return Result{}, "version too old for delta"
	}
	if err != nil {
		return failed(ModeDelta, fmt.Errorf("fetch skeleton delta since %d: %w", local.Version, err)), ""
	}

	if d.FromVersion != local.Version {
		return Result{}, fmt.Sprintf("delta starts at %d, local is %d", d.FromVersion, local.Version)
	}
	if d.Checksum != remote.Checksum {
		logging.Ctx(ctx).Warn().
			Str("delta_checksum", d.Checksum).
			Str("server_checksum", remote.Checksum).
			Msg("Skeleton delta checksum disagrees with server")
		return Result{}, ErrChecksumMismatch.Error()
	}

	err = s.store.ApplyDelta(ctx, *d)
	switch {
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrMissingParent), errors.Is(err, ErrInvalidChange),
		errors.Is(err, ErrDeltaTooLarge):
		logging.Ctx(ctx).Warn().Err(err).Msg("Skeleton delta rejected")
		return Result{}, "delta rejected: " + err.Error()
	case err != nil:
		return failed(ModeDelta, fmt.Errorf("apply skeleton delta: %w", err)), ""
	}

	if s.cfg.VerifyLocalChecksum && strings.HasPrefix(remote.Checksum, ChecksumPrefix) {
		sum, err := s.store.ComputeChecksum(ctx)
		if err != nil {
			return failed(ModeDelta, fmt.Errorf("compute local checksum: %w", err)), ""
		}
		if sum != remote.Checksum {
			logging.Ctx(ctx).Warn().
				Str("local_checksum", sum).
				Str("server_checksum", remote.Checksum).
				Msg("Local skeleton diverged after delta")
			return Result{}, ErrChecksumMismatch.Error()
		}
	}

	return Result{Outcome: Success, Mode: ModeDelta, Version: d.ToVersion}, ""
}

func (s *Syncer) full(ctx context.Context, reason string) Result {
	snap, err := s.source.FullSkeleton(ctx)
	if err != nil {
		err = fmt.Errorf("fetch full skeleton: %w", err)
		if reason == ErrChecksumMismatch.Error() {
			err = errors.Join(ErrChecksumMismatch, err)
		}
		return failed(ModeFull, err)
	}

	artists, albums, edges, tracks := snap.Rows()
	if err := s.store.ReplaceAll(ctx, artists, albums, edges, tracks, snap.Version, snap.Checksum); err != nil {
		return failed(ModeFull, fmt.Errorf("replace skeleton: %w", err))
	}
	return Result{Outcome: Success, Mode: ModeFull, Version: snap.Version, FullReason: reason}
}

func failed(mode Mode, err error) Result {
	return Result{Outcome: Failed, Mode: mode, Err: err}
}
