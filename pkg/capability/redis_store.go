package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// revocationGrace keeps revoked-but-expired records visible long enough for
// auditors querying shortly after expiry.
const revocationGrace = 24 * time.Hour

// RedisStore persists tokens in Redis for multi-process deployments, keyed
// under a common prefix. Records expire from Redis a grace period after the
// token itself expires; the ledger, not the store, is the durable audit
// record.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisStore wraps an existing client. prefix defaults to "keel:cap:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "keel:cap:"
	}
	return &RedisStore{client: client, prefix: prefix, clock: time.Now}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + tokenID
}

func (s *RedisStore) Put(ctx context.Context, t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("capability: marshal token %s: %w", t.TokenID, err)
	}
	ttl := t.ExpiresAt.Sub(s.clock()) + revocationGrace
	if ttl <= 0 {
		ttl = revocationGrace
	}
	if err := s.client.Set(ctx, s.key(t.TokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("capability: redis put %s: %w", t.TokenID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tokenID string) error {
	if err := s.client.Del(ctx, s.key(tokenID)).Err(); err != nil {
		return fmt.Errorf("capability: redis delete %s: %w", tokenID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tokenID string) (Token, error) {
	data, err := s.client.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Token{}, ErrTokenNotFound
		}
		return Token{}, fmt.Errorf("capability: redis get %s: %w", tokenID, err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("capability: unmarshal token %s: %w", tokenID, err)
	}
	return t, nil
}
