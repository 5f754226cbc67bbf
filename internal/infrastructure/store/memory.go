package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/auctiondeck/auction-monitor-backend/internal/domain/auction"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

type historyItem struct {
	score int64
	value []byte
}

// MemoryBackend is the process-local fallback keyspace. It honors the
// same TTL semantics as Redis via lazy expiry on read.
type MemoryBackend struct {
	mu        sync.RWMutex
	items     map[string]memoryItem
	histories map[string]memoryHistory
	clock     auction.Clock
}

type memoryHistory struct {
	entries   []historyItem
	expiresAt time.Time
}

func NewMemoryBackend(clock auction.Clock) *MemoryBackend {
	if clock == nil {
		clock = auction.RealClock{}
	}
	return &MemoryBackend{
		items:     make(map[string]memoryItem),
		histories: make(map[string]memoryHistory),
		clock:     clock,
	}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || m.expired(item.expiresAt) {
		return nil, ErrKeyNotFound{Key: key}
	}
	return item.value, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = memoryItem{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	delete(m.histories, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, item := range m.items {
		if strings.HasPrefix(key, prefix) && !m.expired(item.expiresAt) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		if item, ok := m.items[key]; ok && !m.expired(item.expiresAt) {
			values[i] = item.value
		}
	}
	return values, nil
}

func (m *MemoryBackend) AppendHistory(ctx context.Context, key string, score int64, value []byte, keep int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := m.histories[key]
	if m.expired(hist.expiresAt) {
		hist.entries = nil
	}

	hist.entries = append(hist.entries, historyItem{score: score, value: value})
	sort.SliceStable(hist.entries, func(i, j int) bool {
		return hist.entries[i].score < hist.entries[j].score
	})
	if keep > 0 && len(hist.entries) > keep {
		hist.entries = hist.entries[len(hist.entries)-keep:]
	}

	if ttl > 0 {
		hist.expiresAt = m.clock.Now().Add(ttl)
	}
	m.histories[key] = hist
	return nil
}

func (m *MemoryBackend) History(ctx context.Context, key string, limit int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist, ok := m.histories[key]
	if !ok || m.expired(hist.expiresAt) {
		return nil, nil
	}

	n := len(hist.entries)
	if limit > 0 && limit < n {
		n = limit
	}

	// Newest first.
	values := make([][]byte, 0, n)
	for i := len(hist.entries) - 1; i >= len(hist.entries)-n; i-- {
		values = append(values, hist.entries[i].value)
	}
	return values, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

// Len reports live item and history counts, for operational visibility.
func (m *MemoryBackend) Len() (items, histories int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, item := range m.items {
		if !m.expired(item.expiresAt) {
			items++
		}
	}
	for _, hist := range m.histories {
		if !m.expired(hist.expiresAt) {
			histories++
		}
	}
	return items, histories
}

func (m *MemoryBackend) expired(at time.Time) bool {
	return !at.IsZero() && m.clock.Now().After(at)
}
