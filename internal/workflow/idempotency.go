package workflow

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

	"github.com/pitabwire/stagehand/model"
)

// IdempotencyStore remembers which execution an idempotency key started.
type IdempotencyStore interface {
	// Check looks up a previous execution by key. If the key exists and the
	// request hash matches, it returns the execution id. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, requestHash string) (executionID string, found bool, err error)

	// Store records the execution started for key with a TTL.
	Store(ctx context.Context, key string, requestHash string, executionID string, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	RequestHash string `json:"request_hash"`
	ExecutionID string `json:"execution_id"`
}

// FormatIdempotencyKey builds the storage key for a client-supplied key.
func FormatIdempotencyKey(workflowID, key string) string {
	return fmt.Sprintf("idem:%s:%s", workflowID, key)
}

// hashRunRequest produces a deterministic hash of the run inputs. Map keys
// are marshalled in sorted order.
func hashRunRequest(req RunRequest) string {
	data, _ := json.Marshal(struct {
		WorkflowID string            `json:"workflow_id"`
		PluginID   string            `json:"plugin_id"`
		Params     map[string]string `json:"params"`
	}{req.WorkflowID, req.PluginID, req.Params})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func conflictingKey(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a previous execution.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, requestHash string) (string, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}

	if entry.data.RequestHash != requestHash {
		return "", true, conflictingKey(key)
	}
	return entry.data.ExecutionID, true, nil
}

// Store records an execution with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, requestHash string, executionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: idempotencyEntry{
			RequestHash: requestHash,
			ExecutionID: executionID,
		},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a previous execution in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, requestHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.RequestHash != requestHash {
		return "", true, conflictingKey(key)
	}
	return entry.ExecutionID, true, nil
}

// Store records an execution in Redis with TTL. An existing key is left
// untouched so the first execution wins.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, requestHash string, executionID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{
		RequestHash: requestHash,
		ExecutionID: executionID,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
