package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
)

// pingTimeout caps the startup check so the terminal driver can fall back to
// an in-memory session quickly when Redis is down.
const pingTimeout = 3 * time.Second

// Options turns cfg.RedisURL into client options. Requests to Redis never
// outlive a backend call, so RequestTimeout also bounds reads and writes.
func Options(cfg *config.Config) (*redis.Options, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.RequestTimeout > 0 {
		opt.ReadTimeout = cfg.RequestTimeout
		opt.WriteTimeout = cfg.RequestTimeout
	}
	if opt.DialTimeout == 0 || opt.DialTimeout > pingTimeout {
		opt.DialTimeout = pingTimeout
	}
	return opt, nil
}

// NewRedisClient connects to the session and flow store and checks it answers.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}

	log.Info().
		Str("component", "redis").
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Msg("Redis connected")

	return rdb, nil
}
