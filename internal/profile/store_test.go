// ABOUTME: Tests for profile persistence: defaults, round-trips, CAS updates, and erasure
// ABOUTME: Exercises fail-open reads and lost-update protection against the in-memory KV

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbello1987/Fmla/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.MemoryKV) {
	t.Helper()
	kv := store.NewMemoryKV()
	return NewStore(kv, time.Hour, nil), kv
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestGet_MissingYieldsDefault(t *testing.T) {
	s, _ := newTestStore(t)

	p := s.Get(context.Background(), "abc123")
	require.NotNil(t, p)
	assert.Equal(t, "abc123", p.IdentityKey)
	assert.Empty(t, p.Name)
	assert.Empty(t, p.Email)
	assert.Empty(t, p.Children)
	assert.False(t, p.Metadata.OnboardingComplete)
	assert.Equal(t, 0, p.Metadata.MessageCount)
	assert.Equal(t, "en", p.Settings["preferred_language"])
}

func TestSaveAndGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	age := 8
	p := Default("abc123")
	p.Name = "Carlos"
	p.Email = "carlos@example.com"
	p.Children = []Child{{Name: "Andy", Age: &age}, {Name: "Emma"}}
	p.Metadata.OnboardingComplete = true
	p.Metadata.OnboardingState = "COMPLETION"

	require.NoError(t, s.Save(ctx, "abc123", p))

	got := s.Get(ctx, "abc123")
	assert.Equal(t, "Carlos", got.Name)
	assert.Equal(t, "carlos@example.com", got.Email)
	require.Len(t, got.Children, 2)
	assert.Equal(t, "Andy", got.Children[0].Name)
	require.NotNil(t, got.Children[0].Age)
	assert.Equal(t, 8, *got.Children[0].Age)
	assert.Nil(t, got.Children[1].Age)
	assert.True(t, got.Metadata.OnboardingComplete)
	assert.Equal(t, "COMPLETION", got.Metadata.OnboardingState)
}

func TestGet_CorruptPayloadYieldsDefault(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, kv.SetWithTTL(ctx, store.ProfileKey("abc123"), []byte("{not json"), time.Hour))

	p := s.Get(ctx, "abc123")
	require.NotNil(t, p)
	assert.Empty(t, p.Name, "corrupt payload must read as a fresh default")
}

func TestUpdate_MergesAndStamps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.Update(ctx, "abc123", Update{Name: strPtr("Carlos")})
	require.NoError(t, err)
	assert.Equal(t, "Carlos", p.Name)
	assert.Equal(t, 1, p.Metadata.MessageCount)

	p, err = s.Update(ctx, "abc123", Update{Email: strPtr("c@example.com")})
	require.NoError(t, err)
	assert.Equal(t, "Carlos", p.Name, "earlier fields survive later partial updates")
	assert.Equal(t, "c@example.com", p.Email)
	assert.Equal(t, 2, p.Metadata.MessageCount, "message count is monotonic")
}

func TestUpdate_ChildrenReplaceAndAppend(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, "abc123", Update{Children: []Child{{Name: "Andy"}}})
	require.NoError(t, err)

	p, err := s.Update(ctx, "abc123", Update{AppendChildren: []Child{{Name: "Emma"}}})
	require.NoError(t, err)
	require.Len(t, p.Children, 2)

	p, err = s.Update(ctx, "abc123", Update{Children: []Child{{Name: "Jack"}}})
	require.NoError(t, err)
	require.Len(t, p.Children, 1, "Children replaces the list wholesale")
	assert.Equal(t, "Jack", p.Children[0].Name)
}

func TestUpdate_ConcurrentNoLostUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Rapid double-sends from the same identity append children
	// concurrently; CAS retries must keep every append.
	const writers = 3
	var wg sync.WaitGroup
	names := []string{"Andy", "Emma", "Jack"}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := s.Update(ctx, "abc123", Update{AppendChildren: []Child{{Name: name}}})
			assert.NoError(t, err)
		}(names[i])
	}
	wg.Wait()

	p := s.Get(ctx, "abc123")
	assert.Len(t, p.Children, writers, "no append may be lost to a concurrent writer")
	assert.Equal(t, writers, p.Metadata.MessageCount)
}

func TestUpdate_ConcurrentNoLostUpdatesSQLite(t *testing.T) {
	kv, err := store.NewSQLiteKV(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	s := NewStore(kv, time.Hour, nil)
	ctx := context.Background()

	// Same race as above but on the durable driver: every writer's append
	// must either land or come back as ErrUpdateContention for the caller
	// to retry — a silently dropped mutation is the bug under test.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("Kid%d", n)
			for attempt := 0; attempt < 20; attempt++ {
				_, err := s.Update(ctx, "abc123", Update{AppendChildren: []Child{{Name: name}}})
				if err == nil {
					return
				}
				if !errors.Is(err, ErrUpdateContention) {
					t.Errorf("writer %d: unexpected error: %v", n, err)
					return
				}
			}
			t.Errorf("writer %d: never won an update round", n)
		}(i)
	}
	wg.Wait()

	p := s.Get(ctx, "abc123")
	assert.Len(t, p.Children, writers, "no append may be lost to a concurrent writer")
	assert.Equal(t, writers, p.Metadata.MessageCount)
}

func TestUpdate_ContentionExhaustsRetries(t *testing.T) {
	kv := &conflictKV{MemoryKV: store.NewMemoryKV()}
	s := NewStore(kv, time.Hour, nil)

	_, err := s.Update(context.Background(), "abc123", Update{Name: strPtr("Carlos")})
	assert.ErrorIs(t, err, ErrUpdateContention)
	assert.Equal(t, casAttempts, kv.casCalls)
}

func TestDelete_RemovesProfileAndPending(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "abc123", Default("abc123")))
	require.NoError(t, kv.SetWithTTL(ctx, store.PendingKey("abc123"), []byte(`{"x":1}`), time.Hour))

	require.NoError(t, s.Delete(ctx, "abc123"))

	p := s.Get(ctx, "abc123")
	assert.Empty(t, p.Name, "profile reads as fresh default after erasure")
	_, err := kv.Get(ctx, store.PendingKey("abc123"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Erasure is idempotent.
	assert.NoError(t, s.Delete(ctx, "abc123"))
}

func TestSave_RefreshesTTL(t *testing.T) {
	kv := store.NewMemoryKV()
	s := NewStore(kv, 40*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "abc123", Default("abc123")))
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, s.Save(ctx, "abc123", Default("abc123")))
	time.Sleep(25 * time.Millisecond)

	rec, err := kv.Get(ctx, store.ProfileKey("abc123"))
	require.NoError(t, err, "second write must have refreshed the TTL")
	var p Profile
	require.NoError(t, json.Unmarshal(rec.Value, &p))
}

// conflictKV forces every CAS to conflict, simulating a hot writer.
type conflictKV struct {
	*store.MemoryKV
	casCalls int
}

func (c *conflictKV) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error {
	c.casCalls++
	return store.ErrConflict
}
