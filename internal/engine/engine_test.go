// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/auth"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/realtime"
	"github.com/tomtom215/catalogsync/internal/skeleton"
	"github.com/tomtom215/catalogsync/internal/storage"
	"github.com/tomtom215/catalogsync/internal/supervisor"
	"github.com/tomtom215/catalogsync/internal/testinfra"
)

type harness struct {
	srv     *testinfra.CatalogServer
	engine  *Engine
	session *auth.Session
	tree    *supervisor.SupervisorTree
}

func testConfig(srv *testinfra.CatalogServer) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = srv.URL()
	cfg.Server.MaxRetries = 0
	cfg.Storage.InMemory = true
	cfg.Outbox.MinSleep = 10 * time.Millisecond
	cfg.Outbox.MaxSleep = 100 * time.Millisecond
	cfg.Realtime.MinBackoff = 20 * time.Millisecond
	cfg.Realtime.MaxBackoff = 100 * time.Millisecond
	cfg.Schedule = config.ScheduleConfig{}
	return cfg
}

func newHarness(t *testing.T, srv *testinfra.CatalogServer, token string) *harness {
	t.Helper()

	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	tree, err := supervisor.NewSupervisorTree(logger, supervisor.TreeConfig{ShutdownTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	session := auth.NewSession(token)
	e, err := New(testConfig(srv), db, session, tree)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := tree.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-errc
		e.background.Wait()
		_ = e.Close()
	})

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &harness{srv: srv, engine: e, session: session, tree: tree}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedServer(srv *testinfra.CatalogServer) {
	srv.SetSkeleton(3,
		[]string{"ar1", "ar2"},
		map[string][]string{"al1": {"ar1"}, "al2": {"ar2"}},
		map[string]string{"t1": "al1", "t2": "al2"})
	srv.AddCatalogEvents(
		models.CatalogEvent{Seq: 1, EventType: models.EventAlbumUpdated, ContentType: models.ContentAlbum, ContentID: "al1"},
		models.CatalogEvent{Seq: 2, EventType: models.EventTrackAdded, ContentType: models.ContentTrack, ContentID: "t2"},
	)
	srv.AddUserEvent(models.UserEventContentLiked, models.LikeEventPayload{ContentType: models.ContentTrack, ContentID: "t1"})
}

func TestEngine_StartupRefresh(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	seedServer(srv)
	h := newHarness(t, srv, testinfra.DefaultToken)
	e := h.engine
	ctx := context.Background()

	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	v, err := e.Skeleton().Version(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Version != 3 {
		t.Errorf("skeleton version = %d, want 3", v.Version)
	}
	albums, err := e.Skeleton().AlbumIDsForArtist(ctx, "ar1")
	if err != nil || len(albums) != 1 || albums[0] != "al1" {
		t.Errorf("AlbumIDsForArtist(ar1) = %v, %v", albums, err)
	}

	if got := e.CatalogCursor().Seq; got != 2 {
		t.Errorf("catalog cursor = %d, want 2", got)
	}
	if _, ok, _ := e.Ledger().Get(ctx, models.ContentAlbum, "al1"); !ok {
		t.Error("al1 not invalidated")
	}

	liked, err := e.Likes().IsLiked(ctx, models.ContentTrack, "t1")
	if err != nil || !liked {
		t.Errorf("IsLiked(t1) = %v, %v", liked, err)
	}

	eventually(t, "channel connected", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})
}

func TestEngine_LiveInvalidation(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	seedServer(srv)
	e := newHarness(t, srv, testinfra.DefaultToken).engine
	ctx := context.Background()

	eventually(t, "channel connected", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})
	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	ev := models.CatalogEvent{Seq: 3, EventType: models.EventArtistUpdated, ContentType: models.ContentArtist, ContentID: "ar2"}
	srv.AddCatalogEvents(ev)
	if err := srv.Broadcast("catalog_invalidation", ev); err != nil {
		t.Fatal(err)
	}

	eventually(t, "ar2 invalidated", func() bool {
		inv, ok, err := e.Ledger().Get(ctx, models.ContentArtist, "ar2")
		return err == nil && ok && inv.Seq == 3
	})
	eventually(t, "cursor at 3", func() bool { return e.CatalogCursor().Seq == 3 })
}

func TestEngine_LiveUserEvent(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	seedServer(srv)
	e := newHarness(t, srv, testinfra.DefaultToken).engine
	ctx := context.Background()

	eventually(t, "channel connected", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})
	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	ev := srv.AddUserEvent(models.UserEventContentLiked, models.LikeEventPayload{ContentType: models.ContentAlbum, ContentID: "al2"})
	if err := srv.Broadcast("sync", map[string]interface{}{"event": ev}); err != nil {
		t.Fatal(err)
	}

	eventually(t, "al2 liked", func() bool {
		liked, err := e.Likes().IsLiked(ctx, models.ContentAlbum, "al2")
		return err == nil && liked
	})
}

func TestEngine_OutboxReachesServer(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	e := newHarness(t, srv, testinfra.DefaultToken).engine
	ctx := context.Background()

	if err := e.Likes().SetLiked(ctx, models.ContentArtist, "ar9", true); err != nil {
		t.Fatal(err)
	}
	if err := e.NotificationReads().MarkRead(ctx, "n1"); err != nil {
		t.Fatal(err)
	}

	eventually(t, "like pushed", func() bool {
		ids := srv.Liked(models.ContentArtist)
		return len(ids) == 1 && ids[0] == "ar9"
	})
	eventually(t, "read pushed", func() bool { return srv.IsRead("n1") })
}

func TestEngine_ForceResync(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	seedServer(srv)
	e := newHarness(t, srv, testinfra.DefaultToken).engine
	ctx := context.Background()

	res := e.ForceResync(ctx)
	if res.Err != nil {
		t.Fatalf("ForceResync: %v", res.Err)
	}
	if res.Version != 3 {
		t.Errorf("version = %d, want 3", res.Version)
	}
	if res.Outcome == skeleton.Failed {
		t.Errorf("outcome = %s", res.Outcome)
	}

	res = e.ForceResync(ctx)
	if res.Outcome != skeleton.AlreadyUpToDate {
		t.Errorf("second run outcome = %s, want up_to_date", res.Outcome)
	}
}

func TestEngine_LogoutAndLogin(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	seedServer(srv)
	h := newHarness(t, srv, testinfra.DefaultToken)
	e := h.engine
	ctx := context.Background()

	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "channel connected", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})

	if err := e.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.session.Valid() {
		t.Error("session still valid after logout")
	}
	if st := e.Channel().State().State; st != realtime.StateDisconnected {
		t.Errorf("channel state = %s, want disconnected", st)
	}
	if got := e.CatalogCursor(); got.Seq != 0 {
		t.Errorf("catalog cursor = %d after logout", got.Seq)
	}
	v, err := e.Skeleton().Version(ctx)
	if err != nil || v.Version != 0 {
		t.Errorf("skeleton version after logout = %d, %v", v.Version, err)
	}
	liked, _ := e.Likes().IsLiked(ctx, models.ContentTrack, "t1")
	if liked {
		t.Error("likes survived logout")
	}

	if err := e.Login(ctx, testinfra.DefaultToken); err != nil {
		t.Fatalf("Login: %v", err)
	}
	eventually(t, "reconnected", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})
	eventually(t, "state restored", func() bool {
		liked, err := e.Likes().IsLiked(ctx, models.ContentTrack, "t1")
		return err == nil && liked && e.CatalogCursor().Seq == 2
	})
}

func TestEngine_StartWithoutSession(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	e := newHarness(t, srv, "").engine

	time.Sleep(50 * time.Millisecond)
	if srv.Dials() != 0 {
		t.Errorf("dials = %d without a session", srv.Dials())
	}
	if err := e.Login(context.Background(), testinfra.DefaultToken); err != nil {
		t.Fatal(err)
	}
	eventually(t, "connected after login", func() bool {
		return e.Channel().State().State == realtime.StateConnected
	})
}

func TestEngine_LoginBeforeStart(t *testing.T) {
	srv := testinfra.NewCatalogServer(t)
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	tree, _ := supervisor.NewSupervisorTree(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), supervisor.TreeConfig{})

	e, err := New(testConfig(srv), db, auth.NewSession(""), tree)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if err := e.Login(context.Background(), "tok"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Login before Start = %v, want ErrNotStarted", err)
	}
}
