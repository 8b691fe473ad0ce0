package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Rrens/collab-sessions/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserID(r.Context())
	w.Header().Set("X-User", userID)
	w.WriteHeader(http.StatusOK)
}

func TestAuthenticate(t *testing.T) {
	jwt := security.NewJWTManager("test-secret-key-with-32-chars!!", time.Minute, time.Minute)
	valid, err := jwt.GenerateAccessToken("user-1", "Ada")
	require.NoError(t, err)
	participant, err := jwt.GenerateParticipantToken("s-1", "user-1", "Ada")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"participant token", "Bearer " + participant, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}

	h := NewAuthMiddleware(jwt).Authenticate(http.HandlerFunc(okHandler))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "user-1", rec.Header().Get("X-User"))
			}
		})
	}
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, int, time.Time, error) {
	s.keys = append(s.keys, key)
	return s.allowed, 7, time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC), s.err
}

func (s *stubLimiter) Limit() int { return 10 }

func TestRateLimit(t *testing.T) {
	t.Run("allowed sets headers", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		h := NewRateLimitMiddleware(limiter).Limit(http.HandlerFunc(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUser(req.Context(), "user-1", ""))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "7", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "2025-01-01T10:01:00Z", rec.Header().Get("X-RateLimit-Reset"))
		assert.Equal(t, []string{"user:user-1"}, limiter.keys)
	})

	t.Run("anonymous keyed by ip", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		h := NewRateLimitMiddleware(limiter).Limit(http.HandlerFunc(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.5:4321"
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, []string{"ip:10.0.0.5"}, limiter.keys)
	})

	t.Run("denied", func(t *testing.T) {
		h := NewRateLimitMiddleware(&stubLimiter{}).Limit(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("limiter failure allows", func(t *testing.T) {
		h := NewRateLimitMiddleware(&stubLimiter{err: errors.New("redis down")}).Limit(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLogger_PassesThrough(t *testing.T) {
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
