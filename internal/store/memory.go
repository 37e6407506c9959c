// ABOUTME: In-memory implementation of the KV interface for tests and single-instance runs
// ABOUTME: Correct only within one process; multi-instance deployments need the shared SQLite store

package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero = never
}

// MemoryKV implements KV entirely in process memory. It exists for tests and
// for single-instance deployments that accept losing state on restart; rate
// windows and pending actions stored here are invisible to other instances.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expiredLocked(e) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	// Copy so callers can't mutate stored bytes.
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return &Record{Value: value, Version: e.version}, nil
}

func (m *MemoryKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := int64(1)
	if e, ok := m.entries[key]; ok && !m.expiredLocked(e) {
		version = e.version + 1
	}
	m.entries[key] = memEntry{
		value:     append([]byte(nil), value...),
		version:   version,
		expiresAt: expiry(ttl),
	}
	return nil
}

func (m *MemoryKV) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := int64(0)
	if e, ok := m.entries[key]; ok && !m.expiredLocked(e) {
		current = e.version
	}
	if current != expected {
		return ErrConflict
	}
	m.entries[key] = memEntry{
		value:     append([]byte(nil), value...),
		version:   current + 1,
		expiresAt: expiry(ttl),
	}
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Ping(ctx context.Context) error { return nil }

func (m *MemoryKV) Close() error { return nil }

func (m *MemoryKV) expiredLocked(e memEntry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now())
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
