// Package session persists the bearer token minted by OTP verification.
//
// Every Store treats unreadable, corrupt or expired state as "no session":
// Load never fails, it only reports absence, which sends the flow back to
// authentication instead of surfacing an error.
package session

import (
	"context"
	"time"
)

// DefaultTTL is the lifetime of a stored token.
const DefaultTTL = 30 * 24 * time.Hour

// Store holds at most one session token.
type Store interface {
	Save(ctx context.Context, token string, ttl time.Duration) error
	Load(ctx context.Context) (string, bool)
	Clear(ctx context.Context) error
}

// Days converts a day count into a TTL.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
