// ABOUTME: Single-slot store for the one action currently awaiting a user's yes/no
// ABOUTME: Short TTL, unconditional overwrite, fail-open reads

package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cbello1987/Fmla/internal/store"
)

// Action is the one thing currently awaiting a user's confirmation. The
// payload is opaque to this package; in practice it is a parsed event
// description handed to the delivery collaborator on confirm.
type Action struct {
	Kind      string         `json:"kind"`
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store keeps at most one pending action per identity. A second submission
// before the first is resolved replaces it; there is no queue.
type Store struct {
	kv     store.KV
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a pending-action store. ttl bounds how long an action
// waits for confirmation before silently expiring.
func NewStore(kv store.KV, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		ttl:    ttl,
		logger: logger.With("component", "pending"),
	}
}

// Put stores the action for identityKey, unconditionally replacing any
// existing one and resetting the TTL.
func (s *Store) Put(ctx context.Context, identityKey string, a *Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling pending action: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, store.PendingKey(identityKey), data, s.ttl); err != nil {
		return fmt.Errorf("storing pending action: %w", err)
	}
	return nil
}

// Get returns the pending action for identityKey, or nil when there is
// none. It never fails outward: a store outage or corrupt payload reads
// as "nothing pending" and is logged.
func (s *Store) Get(ctx context.Context, identityKey string) *Action {
	rec, err := s.kv.Get(ctx, store.PendingKey(identityKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error("pending action read failed", "identity", identityKey, "error", err)
		return nil
	}

	var a Action
	if err := json.Unmarshal(rec.Value, &a); err != nil {
		s.logger.Warn("corrupt pending action payload, treating as absent", "identity", identityKey, "error", err)
		return nil
	}
	return &a
}

// Clear removes the pending action. Clearing when nothing is pending is
// not an error.
func (s *Store) Clear(ctx context.Context, identityKey string) error {
	if err := s.kv.Delete(ctx, store.PendingKey(identityKey)); err != nil {
		return fmt.Errorf("clearing pending action: %w", err)
	}
	return nil
}
