package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the counter for one key's current fixed window.
type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore implements CounterStore with an in-process map. Windows are
// caller-scoped and independent; a background goroutine evicts expired
// windows every minute to bound memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window

	// now is replaceable in tests.
	now func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates a memory-backed counter store and starts its
// eviction goroutine. Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Incr increments key's counter, starting a fresh window if none is active.
func (m *MemoryStore) Incr(_ context.Context, key string, windowLen time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(windowLen)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
		}
	}
}
