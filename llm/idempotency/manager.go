// Package idempotency memoizes completed responses by caller-supplied key
// so a duplicate request within the retention window returns the cached
// response without re-invoking any provider. The memory backend is the
// default; the Redis backend serves multi-process installs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 10 * time.Minute

// Manager stores and recalls responses by idempotency key.
type Manager interface {
	// Get returns the cached payload for key, with a hit flag.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Set caches a payload under key for ttl (<=0 means DefaultTTL).
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete drops a key.
	Delete(ctx context.Context, key string) error
}

// HashKey derives a stable cache key from the caller's idempotency key,
// scoped so different callers cannot collide.
func HashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- memory backend ---

type memoryEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// MemoryManager is an in-process TTL map with periodic cleanup.
type MemoryManager struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	logger  *zap.Logger
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryManager creates a memory manager and starts its cleanup loop.
func NewMemoryManager(logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryManager{
		entries: make(map[string]memoryEntry),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryManager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryManager) cleanup() {
	now := time.Now()
	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

// Close stops the cleanup loop.
func (m *MemoryManager) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *MemoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemoryManager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// --- redis backend ---

// RedisManager stores responses in Redis with native TTLs.
type RedisManager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager creates a Redis-backed manager. prefix defaults to
// "idempotency:".
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) *RedisManager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisManager{client: client, prefix: prefix, logger: logger}
}

func (m *RedisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return data, true, nil
}

func (m *RedisManager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

func (m *RedisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}
