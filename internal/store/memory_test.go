// ABOUTME: Tests for the in-memory KV implementation
// ABOUTME: Mirrors the SQLite semantics: TTL expiry, versioning, CAS, concurrency safety

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV_RoundTrip(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.SetWithTTL(ctx, "k", []byte("v"), time.Hour))

	rec, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), rec.Value)
	assert.Equal(t, int64(1), rec.Version)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKV_TTL(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.SetWithTTL(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, err := kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKV_CAS(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.CompareAndSwap(ctx, "k", []byte("v1"), time.Hour, 0))
	assert.ErrorIs(t, kv.CompareAndSwap(ctx, "k", []byte("x"), time.Hour, 0), ErrConflict)
	require.NoError(t, kv.CompareAndSwap(ctx, "k", []byte("v2"), time.Hour, 1))
	assert.ErrorIs(t, kv.CompareAndSwap(ctx, "k", []byte("x"), time.Hour, 1), ErrConflict)

	rec, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Value)
}

func TestMemoryKV_ConcurrentCAS(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, kv.SetWithTTL(ctx, "counter", []byte("0"), 0))

	// Many goroutines race CAS on the same key; exactly one per version wins.
	const writers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := kv.CompareAndSwap(ctx, "counter", []byte(fmt.Sprintf("w%d", n)), 0, 1)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected CAS error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins, "exactly one writer should win a CAS round")
}
