package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/flow"
	"github.com/stemsi/exstem-qr/internal/model"
)

// ErrRevisionConflict is returned by Save when the stored flow moved on
// since it was read.
var ErrRevisionConflict = errors.New("flow was changed by another request")

// StoredFlow is a visitor's flow for one question as kept between requests.
// Revision 0 means it has never been saved.
type StoredFlow struct {
	Revision int64         `json:"revision"`
	Route    model.Route   `json:"route"`
	Snapshot flow.Snapshot `json:"snapshot"`
}

// FlowRepository persists flow snapshots and fans out their events.
type FlowRepository interface {
	// Get returns nil when the visitor has no flow for the question.
	Get(ctx context.Context, visitorID, questionID string) (*StoredFlow, error)
	// Save stores f if the stored revision still equals f.Revision, then
	// advances f.Revision.
	Save(ctx context.Context, visitorID string, f *StoredFlow) error
	Delete(ctx context.Context, visitorID, questionID string) error
	DeleteVisitor(ctx context.Context, visitorID string) error
	Publish(ctx context.Context, visitorID string, payload []byte) error
	// Subscribe streams the visitor's published payloads until cancel is called.
	Subscribe(ctx context.Context, visitorID string) (<-chan []byte, func(), error)
}

type redisFlowRepository struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewRedisFlowRepository keeps snapshots for ttl after their last save.
func NewRedisFlowRepository(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) FlowRepository {
	return &redisFlowRepository{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "flow_repository").Logger(),
	}
}

func (r *redisFlowRepository) Get(ctx context.Context, visitorID, questionID string) (*StoredFlow, error) {
	return r.read(ctx, r.rdb, config.CacheKey.VisitorFlowKey(visitorID, questionID))
}

func (r *redisFlowRepository) Save(ctx context.Context, visitorID string, f *StoredFlow) error {
	key := config.CacheKey.VisitorFlowKey(visitorID, f.Route.QuestionID)
	next := *f
	next.Revision++
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		var revision int64
		if current != nil {
			revision = current.Revision
		}
		if revision != f.Revision {
			return ErrRevisionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrRevisionConflict
	}
	if err != nil {
		return err
	}
	f.Revision = next.Revision
	return nil
}

func (r *redisFlowRepository) Delete(ctx context.Context, visitorID, questionID string) error {
	return r.rdb.Del(ctx, config.CacheKey.VisitorFlowKey(visitorID, questionID)).Err()
}

func (r *redisFlowRepository) DeleteVisitor(ctx context.Context, visitorID string) error {
	iter := r.rdb.Scan(ctx, 0, config.CacheKey.VisitorFlowPattern(visitorID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *redisFlowRepository) Publish(ctx context.Context, visitorID string, payload []byte) error {
	return r.rdb.Publish(ctx, config.CacheKey.VisitorEventsChannel(visitorID), payload).Err()
}

func (r *redisFlowRepository) Subscribe(ctx context.Context, visitorID string) (<-chan []byte, func(), error) {
	sub := r.rdb.Subscribe(ctx, config.CacheKey.VisitorEventsChannel(visitorID))
	// Wait for the confirmation so nothing published after we return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			r.log.Debug().Err(err).Msg("Close subscription")
		}
	}
	return out, cancel, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *redisFlowRepository) read(ctx context.Context, c getter, key string) (*StoredFlow, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f StoredFlow
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Discarding unreadable flow")
		return nil, nil
	}
	return &f, nil
}

// MemoryFlowRepository is a FlowRepository for a single process. Snapshots
// do not expire.
type MemoryFlowRepository struct {
	mu          sync.Mutex
	flows       map[string]StoredFlow
	subscribers map[string]map[chan []byte]struct{}
}

// NewMemoryFlowRepository creates an empty MemoryFlowRepository.
func NewMemoryFlowRepository() *MemoryFlowRepository {
	return &MemoryFlowRepository{
		flows:       make(map[string]StoredFlow),
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

func (m *MemoryFlowRepository) Get(_ context.Context, visitorID, questionID string) (*StoredFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[config.CacheKey.VisitorFlowKey(visitorID, questionID)]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *MemoryFlowRepository) Save(_ context.Context, visitorID string, f *StoredFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := config.CacheKey.VisitorFlowKey(visitorID, f.Route.QuestionID)
	if m.flows[key].Revision != f.Revision {
		return ErrRevisionConflict
	}
	f.Revision++
	m.flows[key] = *f
	return nil
}

func (m *MemoryFlowRepository) Delete(_ context.Context, visitorID, questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, config.CacheKey.VisitorFlowKey(visitorID, questionID))
	return nil
}

func (m *MemoryFlowRepository) DeleteVisitor(_ context.Context, visitorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, f := range m.flows {
		if key == config.CacheKey.VisitorFlowKey(visitorID, f.Route.QuestionID) {
			delete(m.flows, key)
		}
	}
	return nil
}

// Publish drops the payload for subscribers that are not keeping up.
func (m *MemoryFlowRepository) Publish(_ context.Context, visitorID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers[visitorID] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryFlowRepository) Subscribe(_ context.Context, visitorID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	if m.subscribers[visitorID] == nil {
		m.subscribers[visitorID] = make(map[chan []byte]struct{})
	}
	m.subscribers[visitorID][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers[visitorID], ch)
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers reports how many streams are open for visitorID.
func (m *MemoryFlowRepository) Subscribers(visitorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[visitorID])
}
