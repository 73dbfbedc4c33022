package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Save stores token until ttl elapses.
func (m *MemoryStore) Save(_ context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("empty session token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expires = m.now().Add(ttl)
	return nil
}

// Load returns the token if one is stored, unexpired and usable.
func (m *MemoryStore) Load(_ context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.token == "" || !now.Before(m.expires) || !Usable(m.token, now) {
		return "", false
	}
	return m.token, true
}

// Clear forgets the token.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expires = time.Time{}
	return nil
}
