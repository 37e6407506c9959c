// ABOUTME: Salted one-way hashing of channel addresses into opaque identity keys
// ABOUTME: All persisted state is keyed by these hashes so raw addresses never touch storage

package identity

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// KeyLength is the number of hex characters in a derived identity key.
// Short enough for compact storage keys, long enough that collisions are
// not a practical concern at this user scale.
const KeyLength = 16

// Hasher derives identity keys from raw channel addresses.
// The same address always yields the same key for a given salt, and the
// key cannot be reversed to the address without the salt.
type Hasher struct {
	salt string
}

// NewHasher creates a Hasher with the given salt. The salt must be stable
// across restarts or every user loses their state.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Normalize strips formatting from a phone-style address: a leading
// international prefix marker and any separator characters are removed,
// leaving only digits. "+1 (617) 555-0001" and "16175550001" normalize
// to the same string.
func Normalize(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "+")

	var b strings.Builder
	b.Grow(len(address))
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidAddress reports whether the address normalizes to a plausible
// phone number (10 digits, optionally preceded by a country code digit).
func ValidAddress(address string) bool {
	norm := Normalize(address)
	if len(norm) == 10 {
		return true
	}
	return len(norm) == 11 && norm[0] == '1'
}

// Hash maps a raw address to its identity key. It is a pure function:
// a malformed or empty address still yields a stable (if degenerate) key,
// so callers never branch on hashing failure.
func (h *Hasher) Hash(address string) string {
	norm := Normalize(address)
	sum := sha3.Sum256([]byte(norm + h.salt))
	return hex.EncodeToString(sum[:])[:KeyLength]
}
