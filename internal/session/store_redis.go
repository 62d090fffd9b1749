package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/switchyard-io/switchyard/pkg/json"
	"github.com/switchyard-io/switchyard/pkg/redis"
)

// RedisStore keeps session records in Redis so revocation takes effect
// across all gateway instances. Records expire with the token.
type RedisStore struct {
	client *redis.Client
	keys   *redis.KeyBuilder
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		keys:   redis.NewKeyBuilder(redis.ContextSession),
	}
}

// Save writes the session record with a TTL matching its expiry.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := s.keys.Build("record", sess.ID)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Revoke deletes the session record. Subsequent Validate calls for its
// token fail with ErrSessionRevoked.
func (s *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	key := s.keys.Build("record", sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	return nil
}

// IsLive reports whether the session record still exists.
func (s *RedisStore) IsLive(ctx context.Context, sessionID string) (bool, error) {
	key := s.keys.Build("record", sessionID)
	err := s.client.Get(ctx, key).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session lookup %s: %w", sessionID, err)
	}
	return true, nil
}
