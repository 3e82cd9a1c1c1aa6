// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no session")
	}
	return string(s), nil
}

// mockChannelServer accepts upgrades carrying the expected bearer token and
// hands each server-side connection to the test.
type mockChannelServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	reject   int
}

func newMockChannelServer(t *testing.T, reject int) *mockChannelServer {
	t.Helper()
	mock := &mockChannelServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(chan *websocket.Conn, 4),
		reject:   reject,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mock.reject != 0 {
			http.Error(w, "rejected", mock.reject)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.conns <- conn
	}))
	t.Cleanup(mock.server.Close)
	return mock
}

func (m *mockChannelServer) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/v1/ws"
}

func (m *mockChannelServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-m.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	msg := Message{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		msg.Payload = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, TypeConnected, ConnectedPayload{DeviceID: "dev-1", ServerVersion: "1.4.0"})
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.MinBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func waitState(t *testing.T, m *Manager, want State) ConnectionState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := m.State(); st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State().State, want)
	return ConnectionState{}
}

func TestManager_HandshakeGatesConnected(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := mock.accept(t)

	if st := m.State(); st.State != StateConnecting {
		t.Errorf("state before handshake = %v, want connecting", st.State)
	}
	if err := m.Send("sync.ack", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before handshake = %v, want ErrNotConnected", err)
	}

	handshake(t, conn)
	st := waitState(t, m, StateConnected)
	if st.DeviceID != "dev-1" || st.ServerVersion != "1.4.0" {
		t.Errorf("connected state = %+v", st)
	}

	// A second Connect while connected does nothing.
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
	select {
	case <-mock.conns:
		t.Error("second Connect opened another connection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_DispatchByPrefix(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	got := make(chan Message, 4)
	m.Register("sync", HandlerFunc(func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	send(t, conn, "playlist.updated", map[string]string{"id": "p1"})
	send(t, conn, "sync.content_liked", map[string]string{"id": "t1"})

	select {
	case msg := <-got:
		if msg.Type != "sync.content_liked" {
			t.Errorf("handler got %q", msg.Type)
		}
		if !strings.Contains(string(msg.Payload), "t1") {
			t.Errorf("payload = %s", msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never called")
	}
	select {
	case msg := <-got:
		t.Errorf("unexpected dispatch of %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}

	m.Unregister("sync")
	send(t, conn, "sync.content_unliked", nil)
	select {
	case msg := <-got:
		t.Errorf("dispatch after Unregister: %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_Send(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	if err := m.Send("sync.ack", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	if err := m.Send("sync.ack", map[string]int{"seq": 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "sync.ack" || string(msg.Payload) != `{"seq":3}` {
		t.Errorf("server received %+v", msg)
	}
}

func TestManager_DisconnectIgnoresLateClose(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))

	var mu sync.Mutex
	var seen []State
	m.OnStateChange(func(st ConnectionState) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	m.Disconnect()
	if st := m.State(); st.State != StateDisconnected {
		t.Fatalf("state after Disconnect = %v", st.State)
	}

	// The server sees a normal closure.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("server read error = %v, want normal closure", err)
	}

	time.Sleep(100 * time.Millisecond)
	if st := m.State(); st.State != StateDisconnected {
		t.Errorf("state after late close = %v, want disconnected", st.State)
	}
	select {
	case <-mock.conns:
		t.Error("manager reconnected after Disconnect")
	default:
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s == StateError {
			t.Errorf("transitions %v include error", seen)
		}
	}
}

func TestManager_UnexpectedCloseReconnects(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	errs := make(chan ConnectionState, 8)
	m.OnStateChange(func(st ConnectionState) {
		if st.State == StateError {
			errs <- st
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := mock.accept(t)
	handshake(t, first)
	waitState(t, m, StateConnected)

	_ = first.Close()

	select {
	case st := <-errs:
		if st.Reason == "" {
			t.Error("error state without reason")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error state after unexpected close")
	}

	second := mock.accept(t)
	waitState(t, m, StateConnecting)
	handshake(t, second)
	waitState(t, m, StateConnected)

	m.mu.Lock()
	attempt := m.attempt
	m.mu.Unlock()
	if attempt != 0 {
		t.Errorf("attempt after handshake = %d, want 0", attempt)
	}
}

func TestManager_AttemptGrowsWithoutHandshake(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Close twice before any handshake.
	_ = mock.accept(t).Close()
	_ = mock.accept(t).Close()
	_ = mock.accept(t)

	m.mu.Lock()
	attempt := m.attempt
	m.mu.Unlock()
	if attempt < 2 {
		t.Errorf("attempt = %d, want at least 2", attempt)
	}
}

func TestManager_NoSession(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken(""))

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("Connect = %v, want ErrNoSession", err)
	}
	if st := m.State(); st.State != StateError {
		t.Errorf("state = %v, want error", st.State)
	}
	select {
	case <-mock.conns:
		t.Error("connected without a session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_UpgradeRejected(t *testing.T) {
	mock := newMockChannelServer(t, http.StatusUnauthorized)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	reasons := make(chan string, 2)
	m.OnUnauthorized(func(reason string) { reasons <- reason })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-reasons:
		if !strings.Contains(r, "401") {
			t.Errorf("reason = %q", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("unauthorized hook not called")
	}
	waitState(t, m, StateError)

	// No reconnect is scheduled for an auth rejection.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-reasons:
		t.Error("manager retried a rejected session")
	default:
	}
}

func TestManager_ServerUnauthorizedMessage(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))
	defer m.Disconnect()

	reasons := make(chan string, 1)
	m.OnUnauthorized(func(reason string) { reasons <- reason })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	send(t, conn, TypeError, ErrorPayload{Code: "unauthorized", Message: "token revoked"})
	select {
	case r := <-reasons:
		if r != "token revoked" {
			t.Errorf("reason = %q", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("unauthorized hook not called")
	}
}

func TestManager_PongTimeout(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	cfg := testConfig(mock.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	cfg.MinBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	m := New(cfg, staticToken("tok"))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	// The server never answers pings.
	st := waitState(t, m, StateError)
	if !strings.Contains(st.Reason, "pong") {
		t.Errorf("reason = %q, want pong timeout", st.Reason)
	}
}

func TestManager_HeartbeatKeepsAlive(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	cfg := testConfig(mock.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = 200 * time.Millisecond
	m := New(cfg, staticToken("tok"))
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == TypePing {
				_ = conn.WriteJSON(Message{Type: TypePong})
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if st := m.State(); st.State != StateConnected {
		t.Errorf("state = %v (%s), want connected", st.State, st.Reason)
	}
	m.Disconnect()
	<-done
}

func TestManager_Serve(t *testing.T) {
	mock := newMockChannelServer(t, 0)
	m := New(testConfig(mock.url()), staticToken("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx) }()

	conn := mock.accept(t)
	handshake(t, conn)
	waitState(t, m, StateConnected)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	if st := m.State(); st.State != StateDisconnected {
		t.Errorf("state = %v, want disconnected", st.State)
	}
}
