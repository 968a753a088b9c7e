package classes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const frequencyPrefix = "class:freq:"

// FrequencyCache holds the frequencies a teacher is broadcasting; entries expire on their own.
type FrequencyCache interface {
	Set(ctx context.Context, classID uuid.UUID, freqs []int, ttl time.Duration) error
	// Get returns nil when nothing is cached.
	Get(ctx context.Context, classID uuid.UUID) ([]int, error)
}

// RedisFrequencyCache stores frequencies as JSON with a Redis TTL.
type RedisFrequencyCache struct {
	client *redis.Client
}

// NewRedisFrequencyCache creates a Redis-backed cache.
func NewRedisFrequencyCache(client *redis.Client) *RedisFrequencyCache {
	return &RedisFrequencyCache{client: client}
}

func (r *RedisFrequencyCache) Set(ctx context.Context, classID uuid.UUID, freqs []int, ttl time.Duration) error {
	body, err := json.Marshal(freqs)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, frequencyPrefix+classID.String(), body, ttl).Err(); err != nil {
		return fmt.Errorf("cache frequency: %w", err)
	}
	return nil
}

func (r *RedisFrequencyCache) Get(ctx context.Context, classID uuid.UUID) ([]int, error) {
	raw, err := r.client.Get(ctx, frequencyPrefix+classID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read frequency: %w", err)
	}
	var freqs []int
	if err := json.Unmarshal(raw, &freqs); err != nil {
		return nil, fmt.Errorf("decode frequency: %w", err)
	}
	return freqs, nil
}

// MemoryFrequencyCache is an in-process FrequencyCache.
type MemoryFrequencyCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]frequencyEntry
	now     func() time.Time
}

type frequencyEntry struct {
	freqs   []int
	expires time.Time
}

// NewMemoryFrequencyCache creates an empty cache.
func NewMemoryFrequencyCache() *MemoryFrequencyCache {
	return &MemoryFrequencyCache{entries: make(map[uuid.UUID]frequencyEntry), now: time.Now}
}

func (m *MemoryFrequencyCache) Set(_ context.Context, classID uuid.UUID, freqs []int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[classID] = frequencyEntry{freqs: append([]int(nil), freqs...), expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryFrequencyCache) Get(_ context.Context, classID uuid.UUID) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[classID]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, classID)
		return nil, nil
	}
	return append([]int(nil), e.freqs...), nil
}
