package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Rrens/collab-sessions/internal/api/response"
	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// CollabHandler exposes live registry state and maintenance operations
type CollabHandler struct {
	sessions          SessionService
	live              LiveStats
	inactiveThreshold time.Duration
}

// NewCollabHandler creates a new collab handler
func NewCollabHandler(sessions SessionService, live LiveStats, inactiveThreshold time.Duration) *CollabHandler {
	return &CollabHandler{
		sessions:          sessions,
		live:              live,
		inactiveThreshold: inactiveThreshold,
	}
}

type liveOverview struct {
	ActiveSessions    int                   `json:"active_sessions"`
	ActiveConnections int                   `json:"active_connections"`
	Sessions          []collab.SessionStats `json:"sessions"`
}

type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

// Stats lists every live session
func (h *CollabHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessions := h.live.AllStats()
	response.OK(w, liveOverview{
		ActiveSessions:    len(sessions),
		ActiveConnections: h.live.ConnectionCount(),
		Sessions:          sessions,
	})
}

// SessionStats returns one live session
func (h *CollabHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.live.Stats(chi.URLParam(r, "sessionID"))
	if !ok {
		response.NotFound(w, "session is not live")
		return
	}
	response.OK(w, stats)
}

// Purge deletes durable records that have been inactive longer than the
// requested duration, or the configured threshold
func (h *CollabHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "invalid request body")
		return
	}

	olderThan := h.inactiveThreshold
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			response.BadRequest(w, "older_than must be a positive duration")
			return
		}
		olderThan = d
	}

	deleted, err := h.sessions.PurgeInactive(r.Context(), olderThan)
	if err != nil {
		log.Error().Err(err).Msg("manual purge failed")
		response.InternalError(w, "failed to purge sessions")
		return
	}

	response.OK(w, map[string]any{
		"deleted":    deleted,
		"older_than": olderThan.String(),
	})
}
