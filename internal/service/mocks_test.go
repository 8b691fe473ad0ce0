package service

import (
	"context"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockCollaborationSessionRepository mocks the CollaborationSessionRepository interface
type MockCollaborationSessionRepository struct {
	mock.Mock
}

func (m *MockCollaborationSessionRepository) Create(ctx context.Context, session *domain.CollaborationSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockCollaborationSessionRepository) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CollaborationSession), args.Error(1)
}

func (m *MockCollaborationSessionRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error) {
	args := m.Called(ctx, projectID, limit, offset)
	return args.Get(0).([]domain.CollaborationSession), args.Error(1)
}

func (m *MockCollaborationSessionRepository) Touch(ctx context.Context, sessionID string, activeUsers []string, at time.Time) error {
	args := m.Called(ctx, sessionID, activeUsers, at)
	return args.Error(0)
}

func (m *MockCollaborationSessionRepository) Delete(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockCollaborationSessionRepository) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCollaborationSessionRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockSessionCache mocks the SessionCache interface
type MockSessionCache struct {
	mock.Mock
}

func (m *MockSessionCache) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CollaborationSession), args.Error(1)
}

func (m *MockSessionCache) Set(ctx context.Context, session *domain.CollaborationSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionCache) Invalidate(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockSessionCache) FlushAll(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
