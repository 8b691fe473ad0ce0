package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/Rrens/collab-sessions/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-with-32-chars!!"

type stubSessions struct {
	err error
}

func (s stubSessions) GetSession(_ context.Context, sessionID string) (*domain.CollaborationSession, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.CollaborationSession{SessionID: sessionID}, nil
}

type testEnv struct {
	server   *httptest.Server
	registry *collab.Registry
	jwt      *security.JWTManager
}

// switchableSessions answers lookups with whatever error is currently set
type switchableSessions struct {
	mu  sync.Mutex
	err error
}

func (s *switchableSessions) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *switchableSessions) GetSession(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stubSessions{err: s.err}.GetSession(ctx, sessionID)
}

type touchRecord struct {
	sessionID      string
	participantIDs []string
}

type recordingToucher struct {
	mu      sync.Mutex
	touches []touchRecord
}

func (r *recordingToucher) TouchSession(_ context.Context, sessionID string, participantIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches = append(r.touches, touchRecord{sessionID: sessionID, participantIDs: participantIDs})
	return nil
}

func (r *recordingToucher) last() (touchRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.touches) == 0 {
		return touchRecord{}, false
	}
	return r.touches[len(r.touches)-1], true
}

func newTestEnv(t *testing.T, sessions SessionLookup, origins ...string) *testEnv {
	t.Helper()
	return newTestEnvWithRegistry(t, collab.NewRegistry(), sessions, origins...)
}

func newTestEnvWithRegistry(t *testing.T, registry *collab.Registry, sessions SessionLookup, origins ...string) *testEnv {
	t.Helper()
	jwt := security.NewJWTManager(testSecret, time.Minute, time.Minute)
	handler := NewHandler(registry, sessions, jwt, config.CollabConfig{
		WriteWait:      time.Second,
		PongWait:       5 * time.Second,
		PingPeriod:     time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     16,
		AllowedOrigins: origins,
	})

	r := chi.NewRouter()
	r.Get("/ws/sessions/{sessionID}", handler.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return &testEnv{server: srv, registry: registry, jwt: jwt}
}

func (e *testEnv) url(sessionID, token string) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/sessions/" + sessionID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(t *testing.T, sessionID, participantID, name string) *websocket.Conn {
	t.Helper()
	token, err := e.jwt.GenerateParticipantToken(sessionID, participantID, name)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(e.url(sessionID, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) collab.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev collab.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHandler_LiveSession(t *testing.T) {
	env := newTestEnv(t, stubSessions{})

	alice := env.dial(t, "s-1", "alice", "Alice")
	state := readEvent(t, alice)
	assert.Equal(t, collab.EventSessionState, state.Type)
	assert.Equal(t, "s-1", state.SessionID)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "alice", state.Participants[0].ParticipantID)

	bob := env.dial(t, "s-1", "bob", "")
	state = readEvent(t, bob)
	assert.Len(t, state.Participants, 2)

	joined := readEvent(t, alice)
	assert.Equal(t, collab.EventUserJoined, joined.Type)
	assert.Equal(t, "bob", joined.ParticipantID)
	assert.Equal(t, "bob", joined.DisplayName)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"cursor_update","data":{"x":3,"y":4}}`)))
	cursor := readEvent(t, alice)
	assert.Equal(t, collab.EventCursorUpdate, cursor.Type)
	assert.Equal(t, "bob", cursor.ParticipantID)
	assert.JSONEq(t, `{"x":3,"y":4}`, string(cursor.Data))

	// Malformed frames are dropped without closing the connection.
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","data":{"message":"hi"}}`)))
	chat := readEvent(t, alice)
	assert.Equal(t, collab.EventChatMessage, chat.Type)
	assert.Equal(t, "hi", chat.Message)

	require.NoError(t, bob.Close())
	left := readEvent(t, alice)
	assert.Equal(t, collab.EventUserLeft, left.Type)
	assert.Equal(t, "bob", left.ParticipantID)

	assert.Eventually(t, func() bool { return env.registry.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RegistryTracksDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "s-1", "alice", "Alice")
	readEvent(t, conn)
	require.Equal(t, 1, env.registry.ConnectionCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, live := env.registry.Stats("s-1")
		return !live && env.registry.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_CloseAllEndsConnections(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "s-1", "alice", "Alice")
	readEvent(t, conn)

	env.registry.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return env.registry.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ShutdownRecordsDepartures(t *testing.T) {
	toucher := &recordingToucher{}
	recorder := service.NewActivityRecorder(toucher, time.Second)
	env := newTestEnvWithRegistry(t, collab.NewRegistry(collab.WithObserver(recorder)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- recorder.Run(ctx) }()

	conn := env.dial(t, "s-1", "alice", "Alice")
	readEvent(t, conn)

	env.registry.CloseAll()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, env.registry.WaitIdle(waitCtx))

	cancel()
	require.NoError(t, <-done)

	last, ok := toucher.last()
	require.True(t, ok)
	assert.Equal(t, "s-1", last.sessionID)
	assert.Empty(t, last.participantIDs)
}

func TestHandler_LiveSessionOutlivesStoredRecord(t *testing.T) {
	sessions := &switchableSessions{}
	env := newTestEnv(t, sessions)

	alice := env.dial(t, "s-1", "alice", "Alice")
	readEvent(t, alice)

	// The stored record is purged while alice is still connected.
	sessions.set(domain.ErrSessionNotFound)

	bob := env.dial(t, "s-1", "bob", "Bob")
	state := readEvent(t, bob)
	assert.Equal(t, collab.EventSessionState, state.Type)
	assert.Len(t, state.Participants, 2)

	require.NoError(t, alice.Close())
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return env.registry.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Once nobody is connected the stored record decides again.
	token, err := env.jwt.GenerateParticipantToken("s-1", "carol", "")
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(env.url("s-1", token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_Rejections(t *testing.T) {
	jwt := security.NewJWTManager(testSecret, time.Minute, time.Minute)
	otherSession, _ := jwt.GenerateParticipantToken("s-2", "alice", "")
	valid, _ := jwt.GenerateParticipantToken("s-1", "alice", "")
	access, _ := jwt.GenerateAccessToken("alice", "")

	tests := []struct {
		name     string
		sessions SessionLookup
		token    string
		header   http.Header
		want     int
	}{
		{"missing token", nil, "", nil, http.StatusUnauthorized},
		{"garbage token", nil, "nope", nil, http.StatusUnauthorized},
		{"access token", nil, access, nil, http.StatusUnauthorized},
		{"wrong session", nil, otherSession, nil, http.StatusForbidden},
		{"unknown session", stubSessions{err: domain.ErrSessionNotFound}, valid, nil, http.StatusNotFound},
		{"foreign origin", nil, valid, http.Header{"Origin": []string{"https://evil.example"}}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.sessions, "https://app.example")
			_, resp, err := websocket.DefaultDialer.Dial(env.url("s-1", tt.token), tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Zero(t, env.registry.ConnectionCount())
		})
	}
}

func TestHandler_StoreOutageAdmits(t *testing.T) {
	env := newTestEnv(t, stubSessions{err: errors.New("db down")})

	conn := env.dial(t, "s-1", "alice", "Alice")
	ev := readEvent(t, conn)
	assert.Equal(t, collab.EventSessionState, ev.Type)
}

func TestHandler_BearerHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := env.jwt.GenerateParticipantToken("s-1", "alice", "")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url("s-1", ""), http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, collab.EventSessionState, readEvent(t, conn).Type)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "api.example", true},
		{"same host", nil, "https://api.example", "api.example", true},
		{"localhost", nil, "http://localhost:5173", "api.example", true},
		{"foreign", nil, "https://evil.example", "api.example", false},
		{"allow list exact", []string{"https://app.example"}, "https://app.example", "api.example", true},
		{"allow list host", []string{"https://app.example"}, "http://app.example", "api.example", true},
		{"allow list miss", []string{"https://app.example"}, "http://localhost:5173", "api.example", false},
		{"wildcard", []string{"*"}, "https://anything.example", "api.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(collab.NewRegistry(), nil, nil, config.CollabConfig{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "/ws/sessions/s-1", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(r))
		})
	}
}
