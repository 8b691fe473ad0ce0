package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Rrens/collab-sessions/internal/api/middleware"
	"github.com/Rrens/collab-sessions/internal/api/response"
	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// SessionService is the durable session API the handlers depend on
type SessionService interface {
	CreateSession(ctx context.Context, projectID string) (*domain.CollaborationSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.CollaborationSession, error)
	ListProjectSessions(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LiveStats reads the live registry
type LiveStats interface {
	Stats(sessionKey string) (collab.SessionStats, bool)
	AllStats() []collab.SessionStats
	ConnectionCount() int
}

// TokenIssuer issues participant tokens
type TokenIssuer interface {
	GenerateParticipantToken(sessionID, participantID, displayName string) (string, error)
	ParticipantTokenTTL() time.Duration
}

// SessionHandler handles durable collaboration session endpoints
type SessionHandler struct {
	sessions SessionService
	live     LiveStats
	tokens   TokenIssuer
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionService, live LiveStats, tokens TokenIssuer) *SessionHandler {
	return &SessionHandler{sessions: sessions, live: live, tokens: tokens}
}

type sessionDetail struct {
	Session *domain.CollaborationSession `json:"session"`
	Live    *collab.SessionStats         `json:"live"`
}

type tokenRequest struct {
	DisplayName string `json:"display_name" validate:"max=100"`
}

// Create creates a durable session for a project
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	input := domain.CollaborationSessionCreate{ProjectID: chi.URLParam(r, "projectID")}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), input.ProjectID)
	if err != nil {
		log.Error().Err(err).Str("project_id", input.ProjectID).Msg("failed to create session")
		response.InternalError(w, "failed to create session")
		return
	}

	response.Created(w, session)
}

// List returns durable sessions of a project, most recently active first
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	sessions, err := h.sessions.ListProjectSessions(r.Context(), projectID, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID).Msg("failed to list sessions")
		response.InternalError(w, "failed to list sessions")
		return
	}

	response.OK(w, sessions)
}

// Get returns the durable record and, when live, its current participants
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			response.NotFound(w, "session not found")
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to get session")
		response.InternalError(w, "failed to get session")
		return
	}

	detail := sessionDetail{Session: session}
	if stats, ok := h.live.Stats(sessionID); ok {
		detail.Live = &stats
	}

	response.OK(w, detail)
}

// Delete removes the durable record. Live participants stay connected.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			response.NotFound(w, "session not found")
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to delete session")
		response.InternalError(w, "failed to delete session")
		return
	}

	response.OK(w, map[string]string{"message": "session deleted"})
}

// IssueToken issues a participant token for the authenticated user
func (h *SessionHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if req.DisplayName == "" {
		req.DisplayName, _ = middleware.GetUserName(r.Context())
	}

	if _, live := h.live.Stats(sessionID); !live {
		if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				response.NotFound(w, "session not found")
				return
			}
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to get session")
			response.InternalError(w, "failed to get session")
			return
		}
	}

	token, err := h.tokens.GenerateParticipantToken(sessionID, userID, req.DisplayName)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to issue participant token")
		response.InternalError(w, "failed to issue token")
		return
	}

	response.Created(w, domain.ParticipantToken{
		SessionID: sessionID,
		Token:     token,
		ExpiresIn: int64(h.tokens.ParticipantTokenTTL().Seconds()),
	})
}
