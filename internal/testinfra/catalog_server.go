// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package testinfra

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/skeleton"
)

// DefaultToken is the bearer token a new CatalogServer accepts.
const DefaultToken = "test-token"

// CatalogServer is a fake catalog server. All methods are safe for
// concurrent use.
type CatalogServer struct {
	Server *httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	token         string
	skeleton      models.FullSkeleton
	deltas        map[int64]models.SkeletonDelta
	catalogEvents []models.CatalogEvent
	catalogHead   int64
	catalogGone   bool
	userEvents    []models.UserEvent
	userHead      int64
	liked         map[models.ContentType]map[string]bool
	listening     map[string]int64
	nextID        int64
	impressions   []models.Impression
	reads         map[string]int64
	failures      map[string]int
	hits          map[string]int

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
	dials  int
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCatalogServer starts a server that is closed when t ends.
func NewCatalogServer(t *testing.T) *CatalogServer {
	t.Helper()

	s := &CatalogServer{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		token:     DefaultToken,
		deltas:    map[int64]models.SkeletonDelta{},
		liked:     map[models.ContentType]map[string]bool{},
		listening: map[string]int64{},
		reads:     map[string]int64{},
		failures:  map[string]int{},
		hits:      map[string]int{},
		conns:     map[*wsConn]struct{}{},
	}
	s.skeleton = models.FullSkeleton{Checksum: skeleton.ChecksumOf(nil, nil, nil)}

	r := chi.NewRouter()
	r.Use(s.authenticate)

	s.route(r, http.MethodGet, "/v1/catalog/skeleton/version", s.skeletonVersion)
	s.route(r, http.MethodGet, "/v1/catalog/skeleton", s.fullSkeleton)
	s.route(r, http.MethodGet, "/v1/catalog/skeleton/delta", s.skeletonDelta)
	s.route(r, http.MethodGet, "/v1/sync/catalog", s.catalogEventsHandler)
	s.route(r, http.MethodGet, "/v1/sync/events", s.userEventsHandler)
	s.route(r, http.MethodGet, "/v1/sync/state", s.syncState)
	s.route(r, http.MethodGet, "/v1/user/liked/{contentType}", s.likedIDs)
	s.route(r, http.MethodPost, "/v1/user/liked/{contentType}/{id}", s.setLiked(true))
	s.route(r, http.MethodDelete, "/v1/user/liked/{contentType}/{id}", s.setLiked(false))
	s.route(r, http.MethodPost, "/v1/user/listening", s.recordListening)
	s.route(r, http.MethodPost, "/v1/user/impression", s.recordImpression)
	s.route(r, http.MethodPost, "/v1/user/notifications/{id}/read", s.markRead)
	r.Get("/v1/ws", s.serveWS)

	s.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.CloseConnections()
		s.Server.Close()
	})
	return s
}

// URL is the server's http:// base URL.
func (s *CatalogServer) URL() string {
	return s.Server.URL
}

// WebSocketURL is the channel endpoint.
func (s *CatalogServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/v1/ws"
}

// SetToken changes the accepted bearer token.
func (s *CatalogServer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// FailWith makes route (method plus chi pattern) answer status until
// ClearFailures.
func (s *CatalogServer) FailWith(method, pattern string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+pattern] = status
}

// ClearFailures removes every injected failure.
func (s *CatalogServer) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]int{}
}

// Hits returns how often route was requested.
func (s *CatalogServer) Hits(method, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+pattern]
}

func (s *CatalogServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *CatalogServer) route(r chi.Router, method, pattern string, h http.HandlerFunc) {
	key := method + " " + pattern
	r.MethodFunc(method, pattern, func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.hits[key]++
		status, fail := s.failures[key]
		s.mu.Unlock()
		if fail {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}
		h(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sinceParam(r *http.Request) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	return n
}

// Skeleton

// SetSkeleton replaces the server's structure. albums maps album ids to
// their primary artist ids, tracks maps track ids to album ids.
func (s *CatalogServer) SetSkeleton(version int64, artists []string, albums map[string][]string, tracks map[string]string) string {
	full := models.FullSkeleton{Version: version, Artists: append([]string(nil), artists...)}

	albumIDs := make([]string, 0, len(albums))
	for id := range albums {
		albumIDs = append(albumIDs, id)
	}
	sort.Strings(albumIDs)
	for _, id := range albumIDs {
		full.Albums = append(full.Albums, models.FullSkeletonAlbum{ID: id, ArtistIDs: albums[id]})
	}

	trackIDs := make([]string, 0, len(tracks))
	for id := range tracks {
		trackIDs = append(trackIDs, id)
	}
	sort.Strings(trackIDs)
	for _, id := range trackIDs {
		full.Tracks = append(full.Tracks, models.SkeletonTrack{ID: id, AlbumID: tracks[id]})
	}

	full.Checksum = skeleton.ChecksumOf(append([]string(nil), artists...), albumIDs, trackIDs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.skeleton = full
	return full.Checksum
}

// AddDelta makes delta available for clients at delta.FromVersion.
func (s *CatalogServer) AddDelta(delta models.SkeletonDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas[delta.FromVersion] = delta
}

func (s *CatalogServer) skeletonVersion(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	v := models.SkeletonVersion{Version: s.skeleton.Version, Checksum: s.skeleton.Checksum}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, v)
}

func (s *CatalogServer) fullSkeleton(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	full := s.skeleton
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, full)
}

func (s *CatalogServer) skeletonDelta(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r)
	s.mu.Lock()
	delta, ok := s.deltas[since]
	current := s.skeleton.Version
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, models.VersionTooOld{
			Error:          "version_too_old",
			Message:        "no delta from this version",
			CurrentVersion: current,
		})
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

// Catalog events

// AddCatalogEvents appends events and advances the head to the highest seq.
func (s *CatalogServer) AddCatalogEvents(evs ...models.CatalogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.catalogEvents = append(s.catalogEvents, ev)
		if ev.Seq > s.catalogHead {
			s.catalogHead = ev.Seq
		}
	}
}

// SetCatalogPruned makes GET /v1/sync/catalog answer 410 Gone for any
// since > 0.
func (s *CatalogServer) SetCatalogPruned(pruned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogGone = pruned
}

func (s *CatalogServer) catalogEventsHandler(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalogGone && since > 0 {
		writeJSON(w, http.StatusGone, map[string]string{"error": "events_pruned"})
		return
	}
	out := models.CatalogEventsResponse{Events: []models.CatalogEvent{}, CurrentSeq: s.catalogHead}
	for _, ev := range s.catalogEvents {
		if ev.Seq > since {
			out.Events = append(out.Events, ev)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// User content

// AddUserEvent appends a user event with the next seq and returns it.
func (s *CatalogServer) AddUserEvent(typ string, payload interface{}) models.UserEvent {
	raw, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userHead++
	ev := models.UserEvent{Seq: s.userHead, Type: typ, Payload: raw, ServerTimestamp: time.Now().UnixMilli()}
	s.userEvents = append(s.userEvents, ev)
	s.applyUserEventLocked(ev, payload)
	return ev
}

func (s *CatalogServer) applyUserEventLocked(ev models.UserEvent, payload interface{}) {
	p, ok := payload.(models.LikeEventPayload)
	if !ok {
		return
	}
	switch ev.Type {
	case models.UserEventContentLiked:
		s.likedSetLocked(p.ContentType)[p.ContentID] = true
	case models.UserEventContentUnliked:
		delete(s.likedSetLocked(p.ContentType), p.ContentID)
	}
}

func (s *CatalogServer) likedSetLocked(ct models.ContentType) map[string]bool {
	set, ok := s.liked[ct]
	if !ok {
		set = map[string]bool{}
		s.liked[ct] = set
	}
	return set
}

// Liked returns the server's liked ids of ct, sorted.
func (s *CatalogServer) Liked(ct models.ContentType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.liked[ct])
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListeningSessions returns the session ids the server has recorded.
func (s *CatalogServer) ListeningSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listening))
	for id := range s.listening {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Impressions returns the recorded impressions.
func (s *CatalogServer) Impressions() []models.Impression {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Impression(nil), s.impressions...)
}

// IsRead reports whether notification id was marked read.
func (s *CatalogServer) IsRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reads[id]
	return ok
}

func (s *CatalogServer) userEventsHandler(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.UserEventsResponse{Events: []models.UserEvent{}, CurrentSeq: s.userHead}
	for _, ev := range s.userEvents {
		if ev.Seq > since {
			out.Events = append(out.Events, ev)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *CatalogServer) syncState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := models.SyncState{
		Seq: s.userHead,
		Likes: models.LikesState{
			Albums:  sortedKeys(s.liked[models.ContentAlbum]),
			Artists: sortedKeys(s.liked[models.ContentArtist]),
			Tracks:  sortedKeys(s.liked[models.ContentTrack]),
		},
		Notifications: []models.NotificationState{},
	}
	for id, at := range s.reads {
		readAt := at
		state.Notifications = append(state.Notifications, models.NotificationState{ID: id, ReadAt: &readAt})
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *CatalogServer) likedIDs(w http.ResponseWriter, r *http.Request) {
	ct := models.ContentType(chi.URLParam(r, "contentType"))
	s.mu.Lock()
	ids := sortedKeys(s.liked[ct])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, ids)
}

func (s *CatalogServer) setLiked(liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := models.ContentType(chi.URLParam(r, "contentType"))
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		set := s.likedSetLocked(ct)
		if !liked && !set[id] {
			s.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_liked"})
			return
		}
		if liked {
			set[id] = true
		} else {
			delete(set, id)
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *CatalogServer) recordListening(w http.ResponseWriter, r *http.Request) {
	var ev models.ListeningEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid listening event"})
		return
	}
	s.mu.Lock()
	id, existed := s.listening[ev.SessionID]
	if !existed {
		s.nextID++
		id = s.nextID
		s.listening[ev.SessionID] = id
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "created": !existed})
}

func (s *CatalogServer) recordImpression(w http.ResponseWriter, r *http.Request) {
	var imp models.Impression
	if err := json.NewDecoder(r.Body).Decode(&imp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid impression"})
		return
	}
	s.mu.Lock()
	s.impressions = append(s.impressions, imp)
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *CatalogServer) markRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.reads[chi.URLParam(r, "id")] = time.Now().UnixMilli()
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// Real-time channel

func (s *CatalogServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.dials++
	s.connMu.Unlock()

	hello, _ := json.Marshal(map[string]string{"device_id": "test-device", "server_version": "test"})
	if err := c.write(wsMessage{Type: "connected", Payload: hello}); err != nil {
		s.drop(c)
		return
	}

	go func() {
		defer s.drop(c)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				if err := c.write(wsMessage{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}()
}

func (s *CatalogServer) drop(c *wsConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
	_ = c.conn.Close()
}

// Broadcast sends a message to every connected client.
func (s *CatalogServer) Broadcast(typ string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		if err := c.write(wsMessage{Type: typ, Payload: raw}); err != nil {
			return err
		}
	}
	return nil
}

// Connections returns the number of open channel connections.
func (s *CatalogServer) Connections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// Dials returns how many channel connections were ever accepted.
func (s *CatalogServer) Dials() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.dials
}

// CloseConnections drops every channel connection without a close frame.
func (s *CatalogServer) CloseConnections() {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		s.drop(c)
	}
}
