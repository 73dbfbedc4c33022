package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/response"
)

// Counter increments a fixed-window counter and returns the new count.
// The key already names the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter shares counts between every server instance.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr bumps key and makes sure it expires with its window.
func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// LocalCounter keeps counts in process memory.
type LocalCounter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	now     func() time.Time
}

type localWindow struct {
	count   int64
	expires time.Time
}

// NewLocalCounter creates an empty LocalCounter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{windows: make(map[string]*localWindow), now: time.Now}
}

// Incr bumps key. Expired windows are swept on the way.
func (l *LocalCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, w := range l.windows {
		if now.After(w.expires) {
			delete(l.windows, k)
		}
	}

	w, ok := l.windows[key]
	if !ok {
		w = &localWindow{expires: now.Add(window)}
		l.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// RateLimiter allows limit requests per client IP in each fixed window.
type RateLimiter struct {
	counter Counter
	bucket  string
	limit   int
	window  time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewRateLimiter creates a limiter for one bucket (e.g. 5 OTP sends per minute).
// A non-positive limit disables it.
func NewRateLimiter(counter Counter, bucket string, limit int, window time.Duration, log zerolog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		counter: counter,
		bucket:  bucket,
		limit:   limit,
		window:  window,
		now:     time.Now,
		log:     log.With().Str("component", "ratelimit").Str("bucket", bucket).Logger(),
	}
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
// If the counter is unavailable the request is let through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		now := rl.now()
		index := now.UnixNano() / int64(rl.window)
		key := config.CacheKey.RateLimitKey(rl.bucket, c.ClientIP(), index)

		count, err := rl.counter.Incr(c.Request.Context(), key, rl.window)
		if err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit counter unavailable")
			c.Next()
			return
		}

		remaining := int64(rl.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.limit) {
			reset := time.Unix(0, (index+1)*int64(rl.window))
			c.Header("Retry-After", strconv.Itoa(int(reset.Sub(now).Seconds())+1))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
