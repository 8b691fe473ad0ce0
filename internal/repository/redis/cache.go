package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	sessionCachePrefix = "collab:session:"
	sessionCacheTTL    = 5 * time.Minute
)

// SessionCache caches durable collaboration session records
type SessionCache struct {
	client *Client
	ttl    time.Duration
}

// NewSessionCache creates a new session cache
func NewSessionCache(client *Client) *SessionCache {
	return &SessionCache{client: client, ttl: sessionCacheTTL}
}

func sessionKey(sessionID string) string {
	return sessionCachePrefix + sessionID
}

// Get returns the cached record, or nil on a cache miss
func (c *SessionCache) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	data, err := c.client.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached session: %w", err)
	}

	var session domain.CollaborationSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Set caches a session record
func (c *SessionCache) Set(ctx context.Context, session *domain.CollaborationSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return c.client.rdb.Set(ctx, sessionKey(session.SessionID), data, c.ttl).Err()
}

// Invalidate removes a cached session record
func (c *SessionCache) Invalidate(ctx context.Context, sessionID string) error {
	return c.client.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// FlushAll removes all cached session records
func (c *SessionCache) FlushAll(ctx context.Context) (int64, error) {
	pattern := sessionCachePrefix + "*"
	var cursor uint64
	var deleted int64

	for {
		keys, nextCursor, err := c.client.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan keys: %w", err)
		}

		if len(keys) > 0 {
			count, err := c.client.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += count
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
