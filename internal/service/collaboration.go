package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultInactiveThreshold is how long a durable record may go untouched before a purge removes it
	DefaultInactiveThreshold = 24 * time.Hour

	defaultListLimit = 20
	maxListLimit     = 100
)

// SessionCache is an optional read-through cache for durable session records.
// Get returns nil, nil on a miss.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error)
	Set(ctx context.Context, session *domain.CollaborationSession) error
	Invalidate(ctx context.Context, sessionID string) error
	FlushAll(ctx context.Context) (int64, error)
}

// CollaborationService manages durable collaboration session records
type CollaborationService struct {
	repo  domain.CollaborationSessionRepository
	cache SessionCache
	now   func() time.Time
}

// NewCollaborationService creates a new collaboration service. cache may be nil.
func NewCollaborationService(repo domain.CollaborationSessionRepository, cache SessionCache) *CollaborationService {
	return &CollaborationService{
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// CreateSession creates a durable record for a new session in a project
func (s *CollaborationService) CreateSession(ctx context.Context, projectID string) (*domain.CollaborationSession, error) {
	now := s.now().UTC()
	session := &domain.CollaborationSession{
		SessionID:    uuid.NewString(),
		ProjectID:    projectID,
		ActiveUsers:  []string{},
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", session.SessionID).
		Str("project_id", projectID).
		Msg("collaboration session created")

	return session, nil
}

// GetSession returns the durable record, consulting the cache first
func (s *CollaborationService) GetSession(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, session); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache write failed")
		}
	}

	return session, nil
}

// ListProjectSessions lists durable records for a project, most recently active first
func (s *CollaborationService) ListProjectSessions(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, err := s.repo.ListByProject(ctx, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// TouchSession records the current participants and bumps the last activity time
func (s *CollaborationService) TouchSession(ctx context.Context, sessionID string, participantIDs []string) error {
	if participantIDs == nil {
		participantIDs = []string{}
	}

	if err := s.repo.Touch(ctx, sessionID, participantIDs, s.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("failed to touch session: %w", err)
	}

	s.invalidate(ctx, sessionID)
	return nil
}

// DeleteSession removes a durable record. Live participants are unaffected.
func (s *CollaborationService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.invalidate(ctx, sessionID)
	log.Info().Str("session_id", sessionID).Msg("collaboration session deleted")
	return nil
}

// PurgeInactive deletes durable records whose last activity is older than
// olderThan and returns how many were removed
func (s *CollaborationService) PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultInactiveThreshold
	}
	cutoff := s.now().UTC().Add(-olderThan)

	deleted, err := s.repo.DeleteInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	if deleted > 0 && s.cache != nil {
		if _, err := s.cache.FlushAll(ctx); err != nil {
			log.Warn().Err(err).Msg("session cache flush failed")
		}
	}

	log.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("purged inactive collaboration sessions")

	return deleted, nil
}

// Ping checks the durable store
func (s *CollaborationService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *CollaborationService) invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache invalidation failed")
	}
}
