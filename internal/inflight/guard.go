// Package inflight ensures at most one outstanding request per key.
package inflight

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Guard grants exclusive, non-blocking ownership of a key.
type Guard interface {
	// TryAcquire returns ok=false without waiting when the key is held.
	// release must be called exactly once when ok is true.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Key digests parts into a guard key so phone numbers never appear in
// lock names.
func Key(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:16])
}

// LocalGuard is a process-local Guard.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalGuard constructs a LocalGuard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

// TryAcquire implements Guard.
func (g *LocalGuard) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true, nil
}
