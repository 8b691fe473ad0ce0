package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/jackc/pgx/v5"
)

// CollaborationSessionRepository implements domain.CollaborationSessionRepository
type CollaborationSessionRepository struct {
	db *DB
}

// NewCollaborationSessionRepository creates a new collaboration session repository
func NewCollaborationSessionRepository(db *DB) *CollaborationSessionRepository {
	return &CollaborationSessionRepository{db: db}
}

func (r *CollaborationSessionRepository) Create(ctx context.Context, session *domain.CollaborationSession) error {
	activeUsers, err := marshalActiveUsers(session.ActiveUsers)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO collaboration_sessions (session_id, project_id, active_users, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		session.SessionID,
		session.ProjectID,
		activeUsers,
		session.CreatedAt,
		session.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to create collaboration session: %w", err)
	}
	return nil
}

func (r *CollaborationSessionRepository) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	query := `
		SELECT session_id, project_id, active_users, created_at, last_activity
		FROM collaboration_sessions
		WHERE session_id = $1
	`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collaboration session: %w", err)
	}
	return s, nil
}

func (r *CollaborationSessionRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error) {
	query := `
		SELECT session_id, project_id, active_users, created_at, last_activity
		FROM collaboration_sessions
		WHERE project_id = $1
		ORDER BY last_activity DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaboration sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.CollaborationSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collaboration session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collaboration sessions: %w", err)
	}
	return sessions, nil
}

func (r *CollaborationSessionRepository) Touch(ctx context.Context, sessionID string, activeUsers []string, at time.Time) error {
	users, err := marshalActiveUsers(activeUsers)
	if err != nil {
		return err
	}

	query := `
		UPDATE collaboration_sessions
		SET active_users = $1, last_activity = $2
		WHERE session_id = $3
	`
	tag, err := r.db.Pool.Exec(ctx, query, users, at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch collaboration session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *CollaborationSessionRepository) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM collaboration_sessions WHERE session_id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete collaboration session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *CollaborationSessionRepository) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM collaboration_sessions WHERE last_activity < $1`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge collaboration sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *CollaborationSessionRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanSession(row pgx.Row) (*domain.CollaborationSession, error) {
	var s domain.CollaborationSession
	var activeUsers []byte
	if err := row.Scan(&s.SessionID, &s.ProjectID, &activeUsers, &s.CreatedAt, &s.LastActivity); err != nil {
		return nil, err
	}
	s.ActiveUsers = []string{}
	if len(activeUsers) > 0 {
		if err := json.Unmarshal(activeUsers, &s.ActiveUsers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active users: %w", err)
		}
	}
	return &s, nil
}

func marshalActiveUsers(users []string) ([]byte, error) {
	if users == nil {
		users = []string{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal active users: %w", err)
	}
	return data, nil
}
