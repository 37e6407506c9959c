// ABOUTME: Durable profile persistence over the KV store
// ABOUTME: Reads fail open to a default profile; updates use a bounded compare-and-swap retry loop

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cbello1987/Fmla/internal/store"
)

const (
	// casAttempts bounds the optimistic-concurrency retry loop.
	casAttempts = 3
	// casBackoffBase is the first retry delay; it doubles per attempt.
	casBackoffBase = 25 * time.Millisecond
)

// ErrUpdateContention is returned when an update loses every CAS round.
// Callers surface it to the user as a generic transient error.
var ErrUpdateContention = errors.New("profile update contention")

// Update is a partial-field mutation applied by Store.Update. Nil pointers
// leave the field alone; scalar fields overwrite, Children replaces the
// list wholesale, AppendChildren appends instead.
type Update struct {
	Name               *string
	Email              *string
	Children           []Child
	AppendChildren     []Child
	Settings           map[string]any
	OnboardingState    *string
	OnboardingComplete *bool
}

// Store persists profiles in the shared KV store with TTL refresh on every
// write.
type Store struct {
	kv     store.KV
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a profile store. ttl is refreshed on every write.
func NewStore(kv store.KV, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		ttl:    ttl,
		logger: logger.With("component", "profile"),
	}
}

// Get loads the profile for identityKey. It never fails outward: a missing
// record, an unavailable store, or a corrupt payload all yield a fresh
// default profile, with failures logged rather than surfaced.
func (s *Store) Get(ctx context.Context, identityKey string) *Profile {
	p, _, _ := s.getVersioned(ctx, identityKey)
	return p
}

// getVersioned returns the profile, its CAS version (0 when absent), and
// whether the record was actually read from the store.
func (s *Store) getVersioned(ctx context.Context, identityKey string) (*Profile, int64, bool) {
	rec, err := s.kv.Get(ctx, store.ProfileKey(identityKey))
	if errors.Is(err, store.ErrNotFound) {
		return Default(identityKey), 0, false
	}
	if err != nil {
		s.logger.Error("profile read failed, serving default", "identity", identityKey, "error", err)
		return Default(identityKey), 0, false
	}

	var p Profile
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		// Corrupt payload reads as absent; the version is kept so the next
		// write replaces the bad record instead of colliding with it.
		s.logger.Warn("corrupt profile payload, treating as absent", "identity", identityKey, "error", err)
		return Default(identityKey), rec.Version, false
	}
	if p.Settings == nil {
		p.Settings = Default(identityKey).Settings
	}
	if p.Children == nil {
		p.Children = []Child{}
	}
	p.IdentityKey = identityKey
	return &p, rec.Version, true
}

// Save serializes and writes the profile unconditionally, refreshing its TTL.
func (s *Store) Save(ctx context.Context, identityKey string, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, store.ProfileKey(identityKey), data, s.ttl); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}

// Update applies a partial mutation with optimistic concurrency: read with
// a version, merge, write only if unchanged, retry with backoff on
// conflict. Every update stamps last-seen and increments the message count.
func (s *Store) Update(ctx context.Context, identityKey string, u Update) (*Profile, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			backoff := casBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		p, version, _ := s.getVersioned(ctx, identityKey)
		merged := applyUpdate(p, u)

		data, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("marshaling profile: %w", err)
		}

		err = s.kv.CompareAndSwap(ctx, store.ProfileKey(identityKey), data, s.ttl, version)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("writing profile: %w", err)
		}
		lastErr = err
		s.logger.Debug("profile update conflict, retrying", "identity", identityKey, "attempt", attempt+1)
	}

	s.logger.Warn("profile update exhausted retries", "identity", identityKey, "error", lastErr)
	return nil, ErrUpdateContention
}

// Delete removes the profile and any pending action belonging to the
// identity. It is idempotent: erasing an identity with nothing stored is
// not an error.
func (s *Store) Delete(ctx context.Context, identityKey string) error {
	if err := s.kv.Delete(ctx, store.ProfileKey(identityKey)); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	if err := s.kv.Delete(ctx, store.PendingKey(identityKey)); err != nil {
		return fmt.Errorf("deleting pending action: %w", err)
	}
	s.logger.Info("user data erased", "identity", identityKey)
	return nil
}

// applyUpdate merges an Update into a copy of p and stamps the metadata.
func applyUpdate(p *Profile, u Update) *Profile {
	merged := p.Clone()

	if u.Name != nil {
		merged.Name = *u.Name
	}
	if u.Email != nil {
		merged.Email = *u.Email
	}
	if u.Children != nil {
		merged.Children = append([]Child{}, u.Children...)
	}
	if len(u.AppendChildren) > 0 {
		merged.Children = append(merged.Children, u.AppendChildren...)
	}
	for k, v := range u.Settings {
		merged.Settings[k] = v
	}
	if u.OnboardingState != nil {
		merged.Metadata.OnboardingState = *u.OnboardingState
	}
	if u.OnboardingComplete != nil {
		merged.Metadata.OnboardingComplete = *u.OnboardingComplete
	}

	merged.Metadata.LastSeenAt = time.Now().UTC()
	merged.Metadata.MessageCount++
	return merged
}
