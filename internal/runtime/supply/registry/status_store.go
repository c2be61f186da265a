package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// StatusRecord is the persisted operator status of one source.
type StatusRecord struct {
	Status    contracts.SourceStatus `json:"status"`
	Reason    string                 `json:"reason,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StatusStore persists operator status across restarts and replicas.
type StatusStore interface {
	Load(ctx context.Context, sourceID string) (StatusRecord, bool, error)
	Save(ctx context.Context, sourceID string, rec StatusRecord) error
}

// MemoryStatusStore keeps status in process memory.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string]StatusRecord
}

// NewMemoryStatusStore returns an empty in-process store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]StatusRecord)}
}

func (s *MemoryStatusStore) Load(_ context.Context, sourceID string) (StatusRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sourceID]
	return rec, ok, nil
}

func (s *MemoryStatusStore) Save(_ context.Context, sourceID string, rec StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sourceID] = rec
	return nil
}

const defaultRedisKeyPrefix = "supply:source_status:"

// RedisStatusStore shares source status through Redis.
type RedisStatusStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStatusStore creates a store backed by a new Redis client.
func NewRedisStatusStore(addr string, password string, db int) *RedisStatusStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStatusStoreFromClient(rdb, "")
}

// NewRedisStatusStoreFromClient wraps an existing client; empty prefix uses the default.
func NewRedisStatusStoreFromClient(client *redis.Client, prefix string) *RedisStatusStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStatusStore{client: client, prefix: prefix}
}

func (s *RedisStatusStore) key(sourceID string) string {
	return s.prefix + sourceID
}

func (s *RedisStatusStore) Load(ctx context.Context, sourceID string) (StatusRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, fmt.Errorf("redis get status %s: %w", sourceID, err)
	}
	var rec StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StatusRecord{}, false, fmt.Errorf("decode status %s: %w", sourceID, err)
	}
	return rec, true, nil
}

func (s *RedisStatusStore) Save(ctx context.Context, sourceID string, rec StatusRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", sourceID, err)
	}
	if err := s.client.Set(ctx, s.key(sourceID), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set status %s: %w", sourceID, err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *RedisStatusStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStatusStore) Close() error {
	return s.client.Close()
}
