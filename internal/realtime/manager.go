// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package realtime maintains the client's single WebSocket connection to
// the catalog server.
//
// The manager owns the connection state machine:
//
//	Disconnected -> Connecting -> Connected{device, version} -> Disconnected | Error
//
// Opening the transport is not enough to be Connected: the server's
// "connected" handshake message is. An unexpected close moves to Error and
// schedules a reconnect after min(MinBackoff * Multiplier^attempt,
// MaxBackoff); the attempt counter resets only after a handshake. An
// intentional Disconnect always lands in Disconnected, and any transport
// event that arrives afterwards is ignored.
//
// Every connection attempt gets a new epoch. Goroutines belonging to an
// older epoch (a reader, a heartbeat, a reconnect timer) find their epoch
// stale when they report back and do nothing.
//
// Inbound messages other than connected, pong and error are dispatched by
// type prefix (the part before the first dot) to registered handlers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

var (
	// ErrNoSession is returned by Connect when no usable auth token exists.
	ErrNoSession = errors.New("realtime: no auth session")

	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("realtime: not connected")

	errPongTimeout = errors.New("no pong within timeout")
)

// TokenSource supplies the bearer token for the upgrade request.
// *auth.Session implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Manager.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Multiplier float64

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MinBackoff:        time.Second,
		MaxBackoff:        time.Minute,
		Multiplier:        2,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func (c Config) backoff() Backoff {
	return Backoff{Min: c.MinBackoff, Max: c.MaxBackoff, Multiplier: c.Multiplier}
}

// Manager is the real-time channel.
type Manager struct {
	cfg      Config
	tokens   TokenSource
	dialer   *websocket.Dialer
	handlers registry
	log      zerolog.Logger
	root     context.Context

	mu      sync.Mutex
	state   ConnectionState
	epoch   uint64
	conn    *websocket.Conn
	cancel  context.CancelFunc
	attempt int

	writeMu sync.Mutex

	listenersMu    sync.RWMutex
	listeners      []func(ConnectionState)
	onUnauthorized func(reason string)
}

// New creates a disconnected Manager.
func New(cfg Config, tokens TokenSource) *Manager {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	m := &Manager{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
		log:  logging.WithComponent("realtime"),
		root: context.Background(),
	}
	metrics.SetChannelState(StateDisconnected.String())
	return m
}

// String names the service in the supervision tree.
func (m *Manager) String() string {
	return "realtime"
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn to run after every state change. Listeners
// run on the goroutine that caused the change and must not block.
func (m *Manager) OnStateChange(fn func(ConnectionState)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnUnauthorized registers fn to run when the server rejects the session,
// either at the upgrade or with an "unauthorized" error message.
func (m *Manager) OnUnauthorized(fn func(reason string)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onUnauthorized = fn
}

// Register routes messages whose type prefix is prefix to h, replacing
// any earlier handler for it.
func (m *Manager) Register(prefix string, h Handler) {
	m.handlers.set(prefix, h)
}

// Unregister removes the handler for prefix.
func (m *Manager) Unregister(prefix string) {
	m.handlers.set(prefix, nil)
}

// Serve connects and keeps the channel up until ctx is done, then
// disconnects. Without a session it waits for an explicit Connect.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	<-ctx.Done()
	m.Disconnect()
	return nil
}

// Connect starts connecting. It is a no-op while Connecting or Connected
// and returns without waiting for the handshake.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if s := m.state.State; s == StateConnecting || s == StateConnected {
		m.mu.Unlock()
		return nil
	}
	st, err := m.startLocked(ctx)
	m.mu.Unlock()

	m.emit(st)
	return err
}

// startLocked opens a new connection epoch. It must be called with mu
// held; the returned state must be emitted after unlocking.
func (m *Manager) startLocked(ctx context.Context) (ConnectionState, error) {
	m.teardownLocked()
	m.epoch++

	token, err := m.tokens.Token(ctx)
	if err == nil && token == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		m.state = ConnectionState{State: StateError, Reason: "no auth session"}
		return m.state, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	connCtx, cancel := context.WithCancel(m.root)
	m.cancel = cancel
	m.state = ConnectionState{State: StateConnecting}
	go m.run(connCtx, m.epoch, token)
	return m.state, nil
}

// Disconnect closes the connection with a normal closure, cancels any
// scheduled reconnect and moves to Disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.conn != nil {
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
	}
	m.teardownLocked()
	m.attempt = 0
	changed := m.state.State != StateDisconnected
	m.state = ConnectionState{State: StateDisconnected}
	st := m.state
	m.mu.Unlock()

	if changed {
		m.log.Info().Msg("Real-time channel disconnected")
		m.emit(st)
	}
}

// Send writes a message. It never queues: outside Connected it returns
// ErrNotConnected.
func (m *Manager) Send(typ string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.State == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.log.Debug().Str("type", typ).Msg("Send skipped, channel not connected")
		return ErrNotConnected
	}

	msg := Message{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		msg.Payload = raw
	}
	return m.write(conn, msg)
}

func (m *Manager) write(conn *websocket.Conn, msg Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// teardownLocked must be called with mu held.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) emit(st ConnectionState) {
	metrics.SetChannelState(st.State.String())
	m.listenersMu.RLock()
	listeners := append([]func(ConnectionState){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// run dials and then owns the read side of one connection.
func (m *Manager) run(ctx context.Context, epoch uint64, token string) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.rejected(epoch, fmt.Sprintf("upgrade rejected with status %d", resp.StatusCode))
			return
		}
		m.fail(epoch, fmt.Errorf("dial: %w", err))
		return
	}
	if !m.attach(epoch, conn) {
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	pong := make(chan struct{}, 1)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.fail(epoch, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Warn().Err(err).Msg("Dropping undecodable channel message")
			continue
		}

		switch msg.Type {
		case TypeConnected:
			var info ConnectedPayload
			if err := json.Unmarshal(msg.Payload, &info); err != nil {
				m.fail(epoch, fmt.Errorf("decode handshake: %w", err))
				return
			}
			_ = conn.SetReadDeadline(time.Time{})
			if m.connected(epoch, info) {
				go m.heartbeat(ctx, epoch, conn, pong)
			}
		case TypePong:
			select {
			case pong <- struct{}{}:
			default:
			}
		case TypeError:
			m.serverError(epoch, msg.Payload)
		default:
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Manager) attach(epoch uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) connected(epoch uint64, info ConnectedPayload) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	m.attempt = 0
	m.state = ConnectionState{State: StateConnected, DeviceID: info.DeviceID, ServerVersion: info.ServerVersion}
	st := m.state
	m.mu.Unlock()

	m.log.Info().Str("device_id", info.DeviceID).Str("server_version", info.ServerVersion).Msg("Real-time channel connected")
	m.emit(st)
	return true
}

// fail handles an unexpected transport failure of epoch.
func (m *Manager) fail(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		m.log.Debug().Err(cause).Msg("Transport event for a closed connection ignored")
		return
	}

	m.teardownLocked()
	delay := m.cfg.backoff().Delay(m.attempt)
	m.attempt++
	m.epoch++
	next := m.epoch
	timerCtx, cancel := context.WithCancel(m.root)
	m.cancel = cancel
	m.state = ConnectionState{State: StateError, Reason: cause.Error()}
	st := m.state
	attempt := m.attempt
	m.mu.Unlock()

	metrics.ChannelReconnects.Inc()
	m.log.Warn().Err(cause).Int("attempt", attempt).Dur("retry_in", delay).Msg("Real-time channel lost")
	m.emit(st)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-timerCtx.Done():
			return
		case <-t.C:
		}
		m.reconnect(next)
	}()
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state.State != StateError {
		m.mu.Unlock()
		return
	}
	st, err := m.startLocked(m.root)
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Msg("Reconnect abandoned")
	}
	m.emit(st)
}

// rejected handles an upgrade refused for auth reasons. No reconnect is
// scheduled: a new session must call Connect.
func (m *Manager) rejected(epoch uint64, reason string) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.epoch++
	m.state = ConnectionState{State: StateError, Reason: reason}
	st := m.state
	m.mu.Unlock()

	m.log.Warn().Str("reason", reason).Msg("Real-time channel rejected the session")
	m.emit(st)
	m.unauthorized(reason)
}

func (m *Manager) unauthorized(reason string) {
	m.listenersMu.RLock()
	fn := m.onUnauthorized
	m.listenersMu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}

func (m *Manager) serverError(epoch uint64, raw json.RawMessage) {
	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Warn().Err(err).Msg("Undecodable server error message")
		return
	}
	m.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Server reported a channel error")
	if p.Code == "unauthorized" {
		m.mu.Lock()
		current := epoch == m.epoch
		m.mu.Unlock()
		if current {
			m.unauthorized(p.Message)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg Message) {
	prefix := Prefix(msg.Type)
	h, ok := m.handlers.lookup(prefix)
	if !ok {
		metrics.ChannelMessages.WithLabelValues(prefix, "false").Inc()
		m.log.Debug().Str("type", msg.Type).Msg("No handler for channel message")
		return
	}
	metrics.ChannelMessages.WithLabelValues(prefix, "true").Inc()
	if err := h.HandleMessage(ctx, msg); err != nil {
		m.log.Warn().Err(err).Str("type", msg.Type).Msg("Channel message handler failed")
	}
}

// heartbeat pings the server while epoch is current. A missing pong is a
// transport failure.
func (m *Manager) heartbeat(ctx context.Context, epoch uint64, conn *websocket.Conn, pong <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-pong:
		default:
		}
		if err := m.write(conn, Message{Type: TypePing}); err != nil {
			m.fail(epoch, fmt.Errorf("ping: %w", err))
			return
		}

		timer := time.NewTimer(m.cfg.PongTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-pong:
			timer.Stop()
		case <-timer.C:
			m.fail(epoch, errPongTimeout)
			return
		}
	}
}
