package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultTouchTimeout = 5 * time.Second

type sessionToucher interface {
	TouchSession(ctx context.Context, sessionID string, participantIDs []string) error
}

// ActivityRecorder writes live membership changes and periodic activity
// through to durable storage.
// SessionChanged never blocks: changes are coalesced per session and a single
// worker started by Run persists the latest membership of each session.
type ActivityRecorder struct {
	touch   sessionToucher
	timeout time.Duration

	mu      sync.Mutex
	pending map[string][]string
	signal  chan struct{}
}

// NewActivityRecorder creates a recorder. A non-positive timeout uses the default.
func NewActivityRecorder(touch sessionToucher, timeout time.Duration) *ActivityRecorder {
	if timeout <= 0 {
		timeout = defaultTouchTimeout
	}
	return &ActivityRecorder{
		touch:   touch,
		timeout: timeout,
		pending: make(map[string][]string),
		signal:  make(chan struct{}, 1),
	}
}

// SessionChanged records the new membership of a live session
func (r *ActivityRecorder) SessionChanged(sessionKey string, participantIDs []string) {
	ids := make([]string, len(participantIDs))
	copy(ids, participantIDs)

	r.mu.Lock()
	r.pending[sessionKey] = ids
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run persists pending changes until ctx is cancelled, then flushes what is left
func (r *ActivityRecorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return nil
		case <-r.signal:
			r.flush(ctx)
		}
	}
}

func (r *ActivityRecorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string][]string, len(batch))
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		r.record(ctx, key, batch[key])
	}
}

func (r *ActivityRecorder) record(ctx context.Context, sessionKey string, participantIDs []string) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.touch.TouchSession(tctx, sessionKey, participantIDs)
	switch {
	case err == nil:
		log.Debug().
			Str("session_id", sessionKey).
			Int("active_users", len(participantIDs)).
			Msg("session activity recorded")
	case errors.Is(err, domain.ErrSessionNotFound):
		log.Debug().Str("session_id", sessionKey).Msg("no durable record for live session")
	default:
		log.Warn().Err(err).Str("session_id", sessionKey).Msg("failed to record session activity")
	}
}
