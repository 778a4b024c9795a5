// pkg/tool/pending/redis.go
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces state keys.
const DefaultRedisPrefix = "lti:pending:"

// RedisStore keeps AuthStates as JSON values with a PX expiry. Redis drops
// expired keys itself, so Purge is a no-op and expired states surface as
// ErrNotFound rather than ErrExpired.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	Now func() time.Time
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(state string) string { return s.prefix + state }

func (s *RedisStore) Save(ctx context.Context, st AuthState) error {
	if strings.TrimSpace(st.State) == "" || strings.TrimSpace(st.Nonce) == "" {
		return fmt.Errorf("pending: state and nonce are required")
	}
	ttl := st.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("pending: state already expired")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pending: encode: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(st.State), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("pending: redis set: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, state string) (AuthState, error) {
	b, err := s.client.Get(ctx, s.key(state)).Bytes()
	return s.decode(b, err)
}

// Consume relies on GETDEL, which Redis executes atomically.
func (s *RedisStore) Consume(ctx context.Context, state string) (AuthState, error) {
	b, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	return s.decode(b, err)
}

func (s *RedisStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) decode(b []byte, err error) (AuthState, error) {
	if errors.Is(err, redis.Nil) {
		return AuthState{}, ErrNotFound
	}
	if err != nil {
		return AuthState{}, fmt.Errorf("pending: redis: %w", err)
	}
	var st AuthState
	if err := json.Unmarshal(b, &st); err != nil {
		return AuthState{}, fmt.Errorf("pending: decode: %w", err)
	}
	// PX is millisecond-granular; guard the boundary against our own clock.
	if st.Expired(s.now()) {
		return AuthState{}, ErrExpired
	}
	return st, nil
}

func (s *RedisStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
