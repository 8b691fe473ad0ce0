package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no durable record exists for a session key
	ErrSessionNotFound = errors.New("collaboration session not found")
)

// CollaborationSession is the durable audit record of a collaboration
// session. It may outlive the live session it describes.
type CollaborationSession struct {
	SessionID    string    `json:"session_id"`
	ProjectID    string    `json:"project_id"`
	ActiveUsers  []string  `json:"active_users"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CollaborationSessionCreate represents session creation data
type CollaborationSessionCreate struct {
	ProjectID string `json:"project_id" validate:"required,max=255"`
}

// ParticipantToken is handed to a client to open a live connection
type ParticipantToken struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// CollaborationSessionRepository defines the interface for durable session storage
type CollaborationSessionRepository interface {
	Create(ctx context.Context, session *CollaborationSession) error
	Get(ctx context.Context, sessionID string) (*CollaborationSession, error)
	ListByProject(ctx context.Context, projectID string, limit, offset int) ([]CollaborationSession, error)
	Touch(ctx context.Context, sessionID string, activeUsers []string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
