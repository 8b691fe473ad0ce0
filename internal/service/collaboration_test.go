package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestService(repo *MockCollaborationSessionRepository, cache SessionCache) *CollaborationService {
	svc := NewCollaborationService(repo, cache)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func TestCollaborationService_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("Create", ctx, mock.AnythingOfType("*domain.CollaborationSession")).Return(nil)
		svc := newTestService(repo, nil)

		session, err := svc.CreateSession(ctx, "project-1")
		require.NoError(t, err)
		assert.NotEmpty(t, session.SessionID)
		assert.Equal(t, "project-1", session.ProjectID)
		assert.Equal(t, []string{}, session.ActiveUsers)
		assert.Equal(t, fixedNow, session.CreatedAt)
		assert.Equal(t, fixedNow, session.LastActivity)
		repo.AssertExpectations(t)
	})

	t.Run("unique keys", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("Create", ctx, mock.Anything).Return(nil)
		svc := newTestService(repo, nil)

		a, err := svc.CreateSession(ctx, "p")
		require.NoError(t, err)
		b, err := svc.CreateSession(ctx, "p")
		require.NoError(t, err)
		assert.NotEqual(t, a.SessionID, b.SessionID)
	})

	t.Run("store failure", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("Create", ctx, mock.Anything).Return(errors.New("boom"))
		svc := newTestService(repo, nil)

		_, err := svc.CreateSession(ctx, "p")
		assert.Error(t, err)
	})
}

func TestCollaborationService_GetSession(t *testing.T) {
	ctx := context.Background()
	record := &domain.CollaborationSession{SessionID: "s-1", ProjectID: "p", ActiveUsers: []string{}}

	t.Run("cache hit skips store", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		cache.On("Get", ctx, "s-1").Return(record, nil)
		svc := newTestService(repo, cache)

		got, err := svc.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, record, got)
		repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("cache miss fills cache", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		cache.On("Get", ctx, "s-1").Return(nil, nil)
		repo.On("Get", ctx, "s-1").Return(record, nil)
		cache.On("Set", ctx, record).Return(nil)
		svc := newTestService(repo, cache)

		got, err := svc.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, record, got)
		repo.AssertExpectations(t)
		cache.AssertExpectations(t)
	})

	t.Run("cache errors fall through", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		cache.On("Get", ctx, "s-1").Return(nil, errors.New("redis down"))
		repo.On("Get", ctx, "s-1").Return(record, nil)
		cache.On("Set", ctx, record).Return(errors.New("redis down"))
		svc := newTestService(repo, cache)

		got, err := svc.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, record, got)
	})

	t.Run("not found", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("Get", ctx, "nope").Return(nil, domain.ErrSessionNotFound)
		svc := newTestService(repo, nil)

		_, err := svc.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestCollaborationService_ListProjectSessions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name                  string
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{"defaults", 0, -5, defaultListLimit, 0},
		{"clamped", 1000, 10, maxListLimit, 10},
		{"passthrough", 5, 2, 5, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockCollaborationSessionRepository)
			repo.On("ListByProject", ctx, "p", tt.wantLimit, tt.wantOffset).
				Return([]domain.CollaborationSession{{SessionID: "s"}}, nil)
			svc := newTestService(repo, nil)

			got, err := svc.ListProjectSessions(ctx, "p", tt.limit, tt.offset)
			require.NoError(t, err)
			assert.Len(t, got, 1)
			repo.AssertExpectations(t)
		})
	}
}

func TestCollaborationService_TouchSession(t *testing.T) {
	ctx := context.Background()

	t.Run("touch invalidates cache", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		repo.On("Touch", ctx, "s-1", []string{"a", "b"}, fixedNow).Return(nil)
		cache.On("Invalidate", ctx, "s-1").Return(nil)
		svc := newTestService(repo, cache)

		require.NoError(t, svc.TouchSession(ctx, "s-1", []string{"a", "b"}))
		repo.AssertExpectations(t)
		cache.AssertExpectations(t)
	})

	t.Run("nil participants stored as empty", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("Touch", ctx, "s-1", []string{}, fixedNow).Return(nil)
		svc := newTestService(repo, nil)

		require.NoError(t, svc.TouchSession(ctx, "s-1", nil))
		repo.AssertExpectations(t)
	})

	t.Run("missing record", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		repo.On("Touch", ctx, "s-1", []string{}, fixedNow).Return(domain.ErrSessionNotFound)
		svc := newTestService(repo, cache)

		assert.ErrorIs(t, svc.TouchSession(ctx, "s-1", nil), domain.ErrSessionNotFound)
		cache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
	})
}

func TestCollaborationService_DeleteSession(t *testing.T) {
	ctx := context.Background()

	repo := new(MockCollaborationSessionRepository)
	cache := new(MockSessionCache)
	repo.On("Delete", ctx, "s-1").Return(nil)
	repo.On("Delete", ctx, "s-2").Return(domain.ErrSessionNotFound)
	cache.On("Invalidate", ctx, "s-1").Return(nil)
	svc := newTestService(repo, cache)

	require.NoError(t, svc.DeleteSession(ctx, "s-1"))
	assert.ErrorIs(t, svc.DeleteSession(ctx, "s-2"), domain.ErrSessionNotFound)
	cache.AssertExpectations(t)
}

func TestCollaborationService_PurgeInactive(t *testing.T) {
	ctx := context.Background()

	t.Run("default threshold", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		repo.On("DeleteInactiveSince", ctx, fixedNow.Add(-24*time.Hour)).Return(int64(3), nil)
		cache.On("FlushAll", ctx).Return(int64(2), nil)
		svc := newTestService(repo, cache)

		n, err := svc.PurgeInactive(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		repo.AssertExpectations(t)
		cache.AssertExpectations(t)
	})

	t.Run("nothing purged keeps cache", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		cache := new(MockSessionCache)
		repo.On("DeleteInactiveSince", ctx, fixedNow.Add(-time.Hour)).Return(int64(0), nil)
		svc := newTestService(repo, cache)

		n, err := svc.PurgeInactive(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
		cache.AssertNotCalled(t, "FlushAll", mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		repo := new(MockCollaborationSessionRepository)
		repo.On("DeleteInactiveSince", ctx, mock.Anything).Return(int64(0), errors.New("boom"))
		svc := newTestService(repo, nil)

		_, err := svc.PurgeInactive(ctx, time.Hour)
		assert.Error(t, err)
	})
}
