// ABOUTME: KV interface and sentinel errors for the shared external key-value store
// ABOUTME: Profiles, pending actions, and rate windows all live behind this contract

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or its record has expired.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by CompareAndSwap when the stored version does not
// match the expected one. Callers retry with a fresh read.
var ErrConflict = errors.New("version conflict")

// Record is a versioned value read from the store. Version is the fencing
// token for CompareAndSwap.
type Record struct {
	Value   []byte
	Version int64
}

// KV is the contract the session core requires of its external key-value
// store: TTL-bounded writes, an atomic conditional write, and a liveness
// probe. All operations take a context; callers are expected to bound them
// with short timeouts so a store outage never stalls the request path.
type KV interface {
	// Get returns the record for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// SetWithTTL writes value unconditionally and resets the record's TTL.
	// A ttl of zero means the record never expires.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap writes value only if the stored version equals expected.
	// expected == 0 asserts the key must not exist. Returns ErrConflict on a
	// version mismatch. The TTL is refreshed on a successful swap.
	CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping probes store liveness.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Key shapes for the records this core persists. Centralized so erasure can
// remove every record belonging to an identity without the packages that own
// them importing each other.

// ProfileKey is the storage key for an identity's profile record.
func ProfileKey(identityKey string) string {
	return fmt.Sprintf("user:%s:profile", identityKey)
}

// PendingKey is the storage key for an identity's pending-action record.
func PendingKey(identityKey string) string {
	return fmt.Sprintf("pending:%s", identityKey)
}

// RateKey is the storage key for an identity's rate window record.
func RateKey(identityKey string) string {
	return fmt.Sprintf("rate:%s", identityKey)
}
