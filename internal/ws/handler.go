package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/Rrens/collab-sessions/internal/api/response"
	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionLookup resolves the durable record a live session belongs to
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (*domain.CollaborationSession, error)
}

// TokenValidator validates participant tokens presented at the handshake
type TokenValidator interface {
	ValidateParticipantToken(token string) (*security.ParticipantClaims, error)
}

// Handler upgrades authorized requests and attaches them to the registry
type Handler struct {
	registry *collab.Registry
	sessions SessionLookup
	tokens   TokenValidator
	cfg      config.CollabConfig
	upgrader websocket.Upgrader

	allowAll       bool
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

// NewHandler creates a websocket handler. sessions may be nil to skip the
// durable record check.
func NewHandler(registry *collab.Registry, sessions SessionLookup, tokens TokenValidator, cfg config.CollabConfig) *Handler {
	h := &Handler{
		registry:       registry,
		sessions:       sessions,
		tokens:         tokens,
		cfg:            cfg,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			h.allowAll = true
			continue
		}
		if origin == "" {
			continue
		}
		h.allowedOrigins[origin] = true
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP handles GET /ws/sessions/{sessionID}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		response.BadRequest(w, "missing session ID")
		return
	}

	token := participantToken(r)
	if token == "" {
		response.Unauthorized(w, "missing participant token")
		return
	}

	claims, err := h.tokens.ValidateParticipantToken(token)
	if err != nil {
		response.Unauthorized(w, "invalid or expired token")
		return
	}
	if claims.SessionID != sessionID {
		response.Forbidden(w, "token not issued for this session")
		return
	}

	// A live session is active regardless of its stored record.
	if _, live := h.registry.Stats(sessionID); !live && h.sessions != nil {
		if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				response.NotFound(w, "session not found")
				return
			}
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session lookup failed, admitting participant")
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	participantID := claims.ParticipantID()
	displayName := claims.DisplayName
	if displayName == "" {
		displayName = participantID
	}

	client := newClient(conn, h.cfg)
	go client.writePump()

	if err := h.registry.Connect(sessionID, participantID, displayName, client); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to register connection")
		_ = client.Close()
		return
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket client connected")

	client.readPump(h.registry, sessionID, participantID)

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Msg("websocket client disconnected")
}

func participantToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}

	if len(h.allowedOrigins) > 0 {
		if h.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return h.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
