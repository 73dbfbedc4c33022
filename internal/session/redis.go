package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-qr/internal/config"
)

// RedisStore keeps one device's token in Redis with the TTL as key expiry.
type RedisStore struct {
	rdb *redis.Client
	key string
	log zerolog.Logger
}

// NewRedisStore creates a store for deviceID.
func NewRedisStore(rdb *redis.Client, deviceID string, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		key: config.CacheKey.DeviceSessionKey(deviceID),
		log: log.With().Str("component", "session_store").Logger(),
	}
}

// Save stores token with expiry ttl.
func (s *RedisStore) Save(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("empty session token")
	}
	if err := s.rdb.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Load returns the stored token. Redis being unreachable counts as no session.
func (s *RedisStore) Load(ctx context.Context) (string, bool) {
	token, err := s.rdb.Get(ctx, s.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Session store unavailable, treating as signed out")
		}
		return "", false
	}
	if !Usable(token, time.Now()) {
		return "", false
	}
	return token, true
}

// Clear deletes the stored token.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}
