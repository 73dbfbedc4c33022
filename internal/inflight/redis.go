package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-qr/internal/config"
)

// releaseScript deletes the lock only if it still carries our owner id, so a
// lock that expired and was re-acquired elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares locks across host replicas. A lock expires after ttl so a
// crashed owner cannot block a phone number forever.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewRedisGuard creates a RedisGuard.
func NewRedisGuard(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisGuard {
	return &RedisGuard{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "inflight_guard").Logger(),
	}
}

// TryAcquire implements Guard.
func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	lockKey := config.CacheKey.InFlightKey(key)
	owner := uuid.New().String()

	ok, err := g.rdb.SetNX(ctx, lockKey, owner, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even if the request context was cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, g.rdb, []string{lockKey}, owner).Err(); err != nil {
				g.log.Warn().Err(err).Str("key", lockKey).Msg("Release in-flight lock failed")
			}
		})
	}, true, nil
}
