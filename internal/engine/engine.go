// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package engine wires the sync components together and owns the
// session lifecycle: startup, reconnect, force resync, login and logout.
//
// Session-scoped loops (outbox drains, catch-up runners, the invalidation
// consumer, the scheduler and the real-time channel) are added to the
// supervision tree on Start or Login and removed again on Logout, before
// local state is wiped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/catalogsync/internal/auth"
	"github.com/tomtom215/catalogsync/internal/catalogsync"
	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/cursor"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/outbox"
	"github.com/tomtom215/catalogsync/internal/realtime"
	"github.com/tomtom215/catalogsync/internal/scheduler"
	"github.com/tomtom215/catalogsync/internal/skeleton"
	"github.com/tomtom215/catalogsync/internal/storage"
	"github.com/tomtom215/catalogsync/internal/supervisor"
	"github.com/tomtom215/catalogsync/internal/usersync"
)

// Scheduled job names.
const (
	JobReconcileLikes = "reconcile_likes"
	JobSkeletonCheck  = "skeleton_check"
	JobCatalogCatchUp = "catalog_catchup"
)

// refreshTimeout bounds a background refresh started by the engine itself.
const refreshTimeout = 5 * time.Minute

// ErrNotStarted is returned by Login before Start.
var ErrNotStarted = errors.New("engine: not started")

// Engine is the client's synchronization core.
type Engine struct {
	cfg     *config.Config
	db      *storage.DB
	session *auth.Session
	tree    *supervisor.SupervisorTree
	log     zerolog.Logger

	api *client.Client

	skeletonStore *skeleton.Store
	skeleton      *skeleton.Syncer

	ledger        *catalogsync.Ledger
	catalogCursor cursor.Store
	catalog       *catalogsync.Sync
	bus           *gochannel.GoChannel
	live          *catalogsync.LiveHandler
	consumer      *catalogsync.Consumer

	userCursor  cursor.Store
	likes       *usersync.Likes
	listening   *usersync.Listening
	impressions *usersync.Impressions
	reads       *usersync.NotificationReads
	events      *usersync.EventSync

	channel   *realtime.Manager
	scheduler *scheduler.Scheduler

	refresh singleflight.Group

	mu         sync.Mutex
	root       context.Context
	started    bool
	active     bool
	sessCtx    context.Context
	sessCancel context.CancelFunc
	background sync.WaitGroup
	syncToks   []suture.ServiceToken
	chanToks   []suture.ServiceToken
}

// New builds every component on db. Nothing runs until Start.
func New(cfg *config.Config, db *storage.DB, session *auth.Session, tree *supervisor.SupervisorTree) (*Engine, error) {
	api, err := client.New(cfg.ClientConfig(), session)
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		db:      db,
		session: session,
		tree:    tree,
		log:     logging.WithComponent("engine"),
		api:     api,
		root:    context.Background(),
	}

	if e.skeletonStore, err = skeleton.NewStore(db); err != nil {
		return nil, err
	}
	e.skeleton = skeleton.NewSyncer(api, e.skeletonStore, cfg.SyncerConfig())

	catalogCursor, err := cursor.NewBadgerStore(db, models.DomainCatalog)
	if err != nil {
		return nil, err
	}
	userCursor, err := cursor.NewBadgerStore(db, models.DomainUserContent)
	if err != nil {
		return nil, err
	}
	e.catalogCursor, e.userCursor = catalogCursor, userCursor

	e.ledger = catalogsync.NewLedger(db)
	e.catalog = catalogsync.New(api, e.catalogCursor, e.ledger, e.skeleton)
	e.bus = gochannel.NewGoChannel(catalogsync.BusConfig(), logging.NewWatermillAdapter())
	e.live = catalogsync.NewLiveHandler(e.bus)
	e.consumer = catalogsync.NewConsumer(e.bus, e.catalog)

	e.likes = usersync.NewLikes(
		outbox.NewBadgerStore[models.LikedContent](db, usersync.DomainLikes),
		api, cfg.OutboxConfig(usersync.DomainLikes),
		outbox.WithUnauthorizedHandler[models.LikedContent](e.unauthorized))
	e.listening = usersync.NewListening(
		outbox.NewBadgerStore[models.ListeningEvent](db, usersync.DomainListening),
		api, cfg.OutboxConfig(usersync.DomainListening),
		outbox.WithUnauthorizedHandler[models.ListeningEvent](e.unauthorized))
	e.impressions = usersync.NewImpressions(
		outbox.NewBadgerStore[models.Impression](db, usersync.DomainImpressions),
		api, cfg.OutboxConfig(usersync.DomainImpressions),
		outbox.WithUnauthorizedHandler[models.Impression](e.unauthorized))
	e.reads = usersync.NewNotificationReads(
		outbox.NewBadgerStore[models.NotificationRead](db, usersync.DomainNotificationReads),
		api, cfg.OutboxConfig(usersync.DomainNotificationReads),
		outbox.WithUnauthorizedHandler[models.NotificationRead](e.unauthorized))
	e.events = usersync.NewEventSync(api, e.userCursor, e.likes, e.reads)

	e.channel = realtime.New(cfg.RealtimeConfig(), session)
	e.channel.Register(catalogsync.MessageTypeInvalidation, realtime.PayloadHandler(e.live.Handle))
	e.channel.Register("sync", realtime.PayloadHandler(e.events.HandleLive))
	e.channel.OnStateChange(e.onChannelState)
	e.channel.OnUnauthorized(session.ReportUnauthorized)

	session.OnExpired(func(reason string) {
		e.log.Warn().Str("reason", reason).Msg("Session expired, closing real-time channel")
		e.channel.Disconnect()
	})

	e.scheduler = scheduler.New(refreshTimeout)
	if err := e.scheduleJobs(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) scheduleJobs() error {
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{JobReconcileLikes, e.cfg.Schedule.ReconcileLikes, func(ctx context.Context) error {
			_, err := e.likes.Pull(ctx)
			return e.observe(err)
		}},
		{JobSkeletonCheck, e.cfg.Schedule.SkeletonCheck, func(ctx context.Context) error {
			return e.observe(e.skeleton.Sync(ctx).Err)
		}},
		{JobCatalogCatchUp, e.cfg.Schedule.CatalogCatchUp, func(ctx context.Context) error {
			return e.observe(errors.Join(e.catalog.CatchUp(ctx), e.events.CatchUp(ctx)))
		}},
	}
	for _, j := range jobs {
		if err := e.scheduler.AddJob(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start registers the storage GC and the session loops with the tree and
// kicks off a background refresh. ctx scopes the background work the
// engine starts itself.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.root = ctx
	e.mu.Unlock()

	e.tree.AddStorageService(e.db)
	if err := e.initializeOutboxes(ctx); err != nil {
		return err
	}
	if !e.session.Valid() {
		e.log.Info().Msg("No session, waiting for login")
		return nil
	}
	e.startSession()
	e.refreshInBackground()
	return nil
}

func (e *Engine) initializeOutboxes(ctx context.Context) error {
	return errors.Join(
		e.likes.Initialize(ctx),
		e.listening.Initialize(ctx),
		e.impressions.Initialize(ctx),
		e.reads.Initialize(ctx),
	)
}

func (e *Engine) startSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return
	}
	e.active = true
	e.sessCtx, e.sessCancel = context.WithCancel(e.root)

	for _, svc := range []suture.Service{
		e.likes, e.listening, e.impressions, e.reads,
		e.catalog, e.events, e.consumer, e.scheduler,
	} {
		e.syncToks = append(e.syncToks, e.tree.AddSyncService(svc))
	}
	if e.cfg.Realtime.Enabled {
		e.chanToks = append(e.chanToks, e.tree.AddChannelService(e.channel))
	}
	e.log.Info().Bool("realtime", e.cfg.Realtime.Enabled).Msg("Session loops started")
}

// stopSession removes the session loops and waits for them and for any
// background refresh to stop.
func (e *Engine) stopSession() error {
	e.mu.Lock()
	syncToks, chanToks := e.syncToks, e.chanToks
	e.syncToks, e.chanToks = nil, nil
	e.active = false
	if e.sessCancel != nil {
		e.sessCancel()
	}
	e.mu.Unlock()
	defer e.background.Wait()

	timeout := e.tree.ShutdownTimeout()
	var errs []error
	for _, tok := range chanToks {
		if err := e.tree.RemoveChannelServiceAndWait(tok, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tok := range syncToks {
		if err := e.tree.RemoveSyncServiceAndWait(tok, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh brings local state up to date: skeleton sync, both catch-ups and
// a likes reconciliation pull, concurrently. Concurrent calls share one
// run. It returns the first failure; the other steps still complete.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, _ := e.refresh.Do("refresh", func() (interface{}, error) {
		ctx := logging.ContextWithNewCorrelationID(ctx)
		start := time.Now()

		var g errgroup.Group
		g.Go(func() error { return e.observe(e.skeleton.Sync(ctx).Err) })
		g.Go(func() error { return e.observe(e.catalog.CatchUp(ctx)) })
		g.Go(func() error { return e.observe(e.events.CatchUp(ctx)) })
		g.Go(func() error {
			_, err := e.likes.Pull(ctx)
			return e.observe(err)
		})
		err := g.Wait()

		log := logging.Ctx(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Refresh incomplete")
		} else {
			log.Info().Dur("duration", time.Since(start)).Msg("Refresh complete")
		}
		return nil, err
	})
	return err
}

// refreshInBackground starts a refresh bound to the current session. It
// does nothing while logged out.
func (e *Engine) refreshInBackground() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.background.Add(1)
	go func(parent context.Context) {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(parent, refreshTimeout)
		defer cancel()
		_ = e.Refresh(ctx)
	}(e.sessCtx)
}

// observe reports auth failures to the session and passes err through.
func (e *Engine) observe(err error) error {
	if client.IsUnauthorized(err) {
		e.session.ReportUnauthorized(err.Error())
	}
	return err
}

func (e *Engine) unauthorized(err error) {
	e.session.ReportUnauthorized(err.Error())
}

// onChannelState reacts to channel transitions. It runs on the manager's
// goroutines and must not block.
func (e *Engine) onChannelState(st realtime.ConnectionState) {
	if st.State != realtime.StateConnected {
		return
	}
	e.log.Info().Str("device_id", st.DeviceID).Str("server_version", st.ServerVersion).
		Msg("Channel connected, refreshing")
	e.wakeOutboxes()
	e.refreshInBackground()
}

func (e *Engine) wakeOutboxes() {
	e.likes.WakeUp()
	e.listening.WakeUp()
	e.impressions.WakeUp()
	e.reads.WakeUp()
}

// ForceResync runs the skeleton sync on demand and returns its result.
// Catch-ups of both event logs are requested as well.
func (e *Engine) ForceResync(ctx context.Context) skeleton.Result {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	res := e.skeleton.Sync(ctx)
	_ = e.observe(res.Err)
	e.catalog.RequestCatchUp()
	e.events.RequestCatchUp()
	logging.Ctx(ctx).Info().Stringer("outcome", res.Outcome).Int64("version", res.Version).Msg("Force resync finished")
	return res
}

// Login installs token and starts the session loops if they are not
// running, then refreshes in the background.
func (e *Engine) Login(ctx context.Context, token string) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	e.session.Set(token)
	if !e.session.Valid() {
		return auth.ErrSessionExpired
	}
	e.startSession()
	if e.cfg.Realtime.Enabled {
		if err := e.channel.Connect(ctx); err != nil {
			return err
		}
	}
	e.wakeOutboxes()
	e.refreshInBackground()
	return nil
}

// Logout disconnects the channel, stops every session loop and wipes the
// cursors, skeleton, invalidation ledger and outboxes.
func (e *Engine) Logout(ctx context.Context) error {
	e.channel.Disconnect()
	stopErr := e.stopSession()
	e.session.Clear()

	err := errors.Join(
		stopErr,
		e.catalogCursor.Clear(ctx),
		e.userCursor.Clear(ctx),
		e.skeletonStore.Clear(ctx),
		e.ledger.Clear(ctx),
		e.likes.Store().Clear(ctx),
		e.listening.Store().Clear(ctx),
		e.impressions.Store().Clear(ctx),
		e.reads.Store().Clear(ctx),
	)
	if err != nil {
		e.log.Error().Err(err).Msg("Logout incomplete")
		return err
	}
	e.log.Info().Msg("Logged out, local state cleared")
	return nil
}

// Close releases the event bus.
func (e *Engine) Close() error {
	return e.bus.Close()
}

// Accessors for the application layer.

func (e *Engine) Likes() *usersync.Likes                         { return e.likes }
func (e *Engine) Listening() *usersync.Listening                 { return e.listening }
func (e *Engine) Impressions() *usersync.Impressions             { return e.impressions }
func (e *Engine) NotificationReads() *usersync.NotificationReads { return e.reads }
func (e *Engine) Skeleton() *skeleton.Store                      { return e.skeletonStore }
func (e *Engine) Ledger() *catalogsync.Ledger                    { return e.ledger }
func (e *Engine) Channel() *realtime.Manager                     { return e.channel }

// CatalogCursor returns the Catalog domain cursor.
func (e *Engine) CatalogCursor() models.SyncCursor { return e.catalogCursor.Get() }

// UserCursor returns the UserContent domain cursor.
func (e *Engine) UserCursor() models.SyncCursor { return e.userCursor.Get() }
