// Package collab tracks live collaboration sessions and fans participant
// events out to every other connection in the same session.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrConnAlreadyBound is returned by Connect for a connection that is
	// already registered in a session.
	ErrConnAlreadyBound = errors.New("connection already bound to a session")
	// ErrSendBufferFull is returned by a Conn that cannot accept more data.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned by a Conn after it has been closed.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is a live push channel. Send must not block; a returned error counts
// as a delivery failure. Both methods must be safe for concurrent use.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Observer is notified whenever the membership of a session changes, and
// at most once per activity interval while participants keep sending
// updates. It is called while the registry lock is held and must not block
// or call back into the registry. An empty participant list means the
// session ended.
type Observer interface {
	SessionChanged(sessionKey string, participantIDs []string)
}

type participant struct {
	id          string
	displayName string
	connectedAt time.Time
	cursor      json.RawMessage
	selection   json.RawMessage
	conn        Conn
}

func (p *participant) state() ParticipantState {
	return ParticipantState{
		ParticipantID: p.id,
		DisplayName:   p.displayName,
		ConnectedAt:   p.connectedAt,
		Cursor:        p.cursor,
		Selection:     p.selection,
	}
}

type session struct {
	key          string
	createdAt    time.Time
	lastActivity time.Time
	notifiedAt   time.Time
	participants map[string]*participant
}

// binding is the back-reference from a connection handle to its owner
type binding struct {
	sessionKey    string
	participantID string
}

type delivery struct {
	sessionKey string
	event      Event
	exclude    Conn
}

// Registry is the authoritative in-memory index of live sessions. Sessions
// exist only while they have at least one connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	bindings map[Conn]binding
	observer Observer
	// activityInterval throttles observer calls for non-membership traffic.
	// Zero disables them.
	activityInterval time.Duration
	now              func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithObserver registers a membership observer
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithActivityInterval makes the observer also hear about sessions whose
// participants keep sending updates, at most once per interval
func WithActivityInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.activityInterval = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		bindings: make(map[Conn]binding),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect binds conn to participantID in the given session, creating the
// session if it is not live. Other participants receive user_joined and the
// new connection receives a session_state snapshot that includes itself.
// A previous connection of the same participant is closed and replaced.
func (r *Registry) Connect(sessionKey, participantID, displayName string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.bindings[conn]; bound {
		return ErrConnAlreadyBound
	}

	now := r.now()
	s, ok := r.sessions[sessionKey]
	if !ok {
		s = &session{
			key:          sessionKey,
			createdAt:    now,
			lastActivity: now,
			participants: make(map[string]*participant),
		}
		r.sessions[sessionKey] = s
		log.Debug().Str("session_id", sessionKey).Msg("collaboration session started")
	}

	if prev, exists := s.participants[participantID]; exists {
		delete(r.bindings, prev.conn)
		_ = prev.conn.Close()
		log.Debug().
			Str("session_id", sessionKey).
			Str("participant_id", participantID).
			Msg("replaced existing participant connection")
	}

	s.participants[participantID] = &participant{
		id:          participantID,
		displayName: displayName,
		connectedAt: now,
		conn:        conn,
	}
	r.bindings[conn] = binding{sessionKey: sessionKey, participantID: participantID}
	s.lastActivity = now

	log.Debug().
		Str("session_id", sessionKey).
		Str("participant_id", participantID).
		Int("participants", len(s.participants)).
		Msg("participant joined")

	r.notifyLocked(s)

	r.broadcastLocked(delivery{
		sessionKey: sessionKey,
		event: Event{
			Type:          EventUserJoined,
			ParticipantID: participantID,
			DisplayName:   displayName,
			Timestamp:     formatTimestamp(now),
		},
		exclude: conn,
	})

	// The joiner is excluded above, so it is still bound and s is still live.
	r.SendTo(conn, Event{
		Type:         EventSessionState,
		SessionID:    sessionKey,
		Participants: s.snapshot(),
		Timestamp:    formatTimestamp(now),
	})

	return nil
}

// Disconnect removes conn and its participant. The session is dropped when
// its last connection goes; otherwise the remaining participants receive
// user_left. Unknown or already removed connections are ignored.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if left, ok := r.detachLocked(conn); ok && left != nil {
		r.broadcastLocked(*left)
	}
}

// BroadcastToSession delivers event to every connection in the session
// except exclude, which may be nil.
func (r *Registry) BroadcastToSession(sessionKey string, event Event, exclude Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(delivery{sessionKey: sessionKey, event: event, exclude: exclude})
}

// SendTo delivers event to a single connection. Failures are ignored.
func (r *Registry) SendTo(conn Conn, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to marshal event")
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Debug().Err(err).Str("type", string(event.Type)).Msg("unicast delivery failed")
	}
}

// UpdateCursor stores the participant's cursor and relays it to the others
func (r *Registry) UpdateCursor(sessionKey, participantID string, data json.RawMessage, origin Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, ok := r.lookupLocked(sessionKey, participantID, origin)
	if !ok {
		return
	}
	now := r.now()
	p.cursor = cloneRaw(data)
	r.touchLocked(s, now)

	r.broadcastLocked(delivery{
		sessionKey: sessionKey,
		event: Event{
			Type:          EventCursorUpdate,
			ParticipantID: participantID,
			Data:          p.cursor,
			Timestamp:     formatTimestamp(now),
		},
		exclude: origin,
	})
}

// UpdateSelection stores the participant's selection and relays it to the others
func (r *Registry) UpdateSelection(sessionKey, participantID string, data json.RawMessage, origin Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, ok := r.lookupLocked(sessionKey, participantID, origin)
	if !ok {
		return
	}
	now := r.now()
	p.selection = cloneRaw(data)
	r.touchLocked(s, now)

	r.broadcastLocked(delivery{
		sessionKey: sessionKey,
		event: Event{
			Type:          EventSelectionUpdate,
			ParticipantID: participantID,
			Data:          p.selection,
			Timestamp:     formatTimestamp(now),
		},
		exclude: origin,
	})
}

// RelayWorkflowEdit forwards a workflow change to the other participants
func (r *Registry) RelayWorkflowEdit(sessionKey, participantID string, data json.RawMessage, origin Conn) {
	r.relay(sessionKey, participantID, origin, func(_ *participant, ts string) Event {
		return Event{
			Type:          EventWorkflowUpdate,
			ParticipantID: participantID,
			Data:          cloneRaw(data),
			Timestamp:     ts,
		}
	})
}

// RelayChatMessage forwards a chat line to the other participants
func (r *Registry) RelayChatMessage(sessionKey, participantID, message string, origin Conn) {
	r.relay(sessionKey, participantID, origin, func(p *participant, ts string) Event {
		return Event{
			Type:          EventChatMessage,
			ParticipantID: participantID,
			DisplayName:   p.displayName,
			Message:       message,
			Timestamp:     ts,
		}
	})
}

// RelayNotification forwards a notification to the other participants
func (r *Registry) RelayNotification(sessionKey, participantID string, data json.RawMessage, origin Conn) {
	r.relay(sessionKey, participantID, origin, func(_ *participant, ts string) Event {
		return Event{
			Type:          EventNotification,
			ParticipantID: participantID,
			Data:          cloneRaw(data),
			Timestamp:     ts,
		}
	})
}

// Stats returns the live state of one session
func (r *Registry) Stats(sessionKey string) (SessionStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionKey]
	if !ok {
		return SessionStats{}, false
	}
	return s.stats(), true
}

// AllStats returns the live state of every session, oldest first
func (r *Registry) AllStats() []SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		stats = append(stats, s.stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].CreatedAt.Equal(stats[j].CreatedAt) {
			return stats[i].SessionID < stats[j].SessionID
		}
		return stats[i].CreatedAt.Before(stats[j].CreatedAt)
	})
	return stats
}

// ConnectionCount returns the number of bound connections across all sessions
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// CloseAll closes every bound connection. Registry state is left to the
// transports, which disconnect as their connections wind down.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.bindings))
	for c := range r.bindings {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// WaitIdle blocks until no connection is bound or ctx is done
func (r *Registry) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) relay(sessionKey, participantID string, origin Conn, build func(*participant, string) Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, ok := r.lookupLocked(sessionKey, participantID, origin)
	if !ok {
		return
	}
	now := r.now()
	r.touchLocked(s, now)

	r.broadcastLocked(delivery{
		sessionKey: sessionKey,
		event:      build(p, formatTimestamp(now)),
		exclude:    origin,
	})
}

// lookupLocked resolves a participant for a message. Messages from a
// connection that no longer owns the participant are stale.
func (r *Registry) lookupLocked(sessionKey, participantID string, origin Conn) (*participant, *session, bool) {
	s, ok := r.sessions[sessionKey]
	if !ok {
		return nil, nil, false
	}
	p, ok := s.participants[participantID]
	if !ok {
		return nil, nil, false
	}
	if origin != nil && p.conn != origin {
		return nil, nil, false
	}
	return p, s, true
}

// broadcastLocked delivers to the recipients present when each delivery
// starts. Connections that fail are removed after that pass and the
// resulting user_left events are delivered in turn.
func (r *Registry) broadcastLocked(first delivery) {
	queue := []delivery{first}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		s, ok := r.sessions[d.sessionKey]
		if !ok {
			continue
		}

		payload, err := json.Marshal(d.event)
		if err != nil {
			log.Error().Err(err).Str("type", string(d.event.Type)).Msg("failed to marshal event")
			continue
		}

		var failed []Conn
		for _, p := range s.participants {
			if d.exclude != nil && p.conn == d.exclude {
				continue
			}
			if err := p.conn.Send(payload); err != nil {
				log.Warn().
					Err(err).
					Str("session_id", d.sessionKey).
					Str("participant_id", p.id).
					Str("type", string(d.event.Type)).
					Msg("delivery failed, dropping connection")
				failed = append(failed, p.conn)
			}
		}

		for _, c := range failed {
			left, removed := r.detachLocked(c)
			if !removed {
				continue
			}
			_ = c.Close()
			if left != nil {
				queue = append(queue, *left)
			}
		}
	}
}

// detachLocked removes conn from the index. It returns the user_left
// delivery to send when the session is still live.
func (r *Registry) detachLocked(conn Conn) (*delivery, bool) {
	b, ok := r.bindings[conn]
	if !ok {
		return nil, false
	}
	delete(r.bindings, conn)

	s, ok := r.sessions[b.sessionKey]
	if !ok {
		return nil, true
	}
	p, ok := s.participants[b.participantID]
	if !ok || p.conn != conn {
		return nil, true
	}
	delete(s.participants, b.participantID)

	now := r.now()
	log.Debug().
		Str("session_id", b.sessionKey).
		Str("participant_id", b.participantID).
		Int("participants", len(s.participants)).
		Msg("participant left")

	if len(s.participants) == 0 {
		delete(r.sessions, b.sessionKey)
		r.notifyLocked(s)
		log.Debug().Str("session_id", b.sessionKey).Msg("collaboration session ended")
		return nil, true
	}

	s.lastActivity = now
	r.notifyLocked(s)

	return &delivery{
		sessionKey: b.sessionKey,
		event: Event{
			Type:          EventUserLeft,
			ParticipantID: p.id,
			DisplayName:   p.displayName,
			Timestamp:     formatTimestamp(now),
		},
	}, true
}

func (r *Registry) notifyLocked(s *session) {
	if r.observer == nil {
		return
	}
	s.notifiedAt = r.now()
	r.observer.SessionChanged(s.key, s.participantIDs())
}

// touchLocked records participant activity on a live session
func (r *Registry) touchLocked(s *session, now time.Time) {
	s.lastActivity = now
	if r.activityInterval > 0 && now.Sub(s.notifiedAt) >= r.activityInterval {
		r.notifyLocked(s)
	}
}

func (s *session) snapshot() []ParticipantState {
	states := make([]ParticipantState, 0, len(s.participants))
	for _, p := range s.participants {
		states = append(states, p.state())
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].ConnectedAt.Equal(states[j].ConnectedAt) {
			return states[i].ParticipantID < states[j].ParticipantID
		}
		return states[i].ConnectedAt.Before(states[j].ConnectedAt)
	})
	return states
}

func (s *session) stats() SessionStats {
	users := s.snapshot()
	return SessionStats{
		SessionID:        s.key,
		ActiveUsersCount: len(users),
		ActiveUsers:      users,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
	}
}

func (s *session) participantIDs() []string {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRaw(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}
