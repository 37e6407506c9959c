// ABOUTME: UserProfile model and default synthesis
// ABOUTME: A missing stored record always reads as a fresh default profile, never as an error

package profile

import (
	"time"
)

// Child is one family member the user asked the assistant to remember.
type Child struct {
	Name string `json:"name"`
	Age  *int   `json:"age,omitempty"`
}

// Metadata carries the bookkeeping fields of a profile.
type Metadata struct {
	CreatedAt          time.Time `json:"created_at"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	OnboardingState    string    `json:"onboarding_state"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	MessageCount       int       `json:"message_count"`
}

// Profile is the durable per-identity record. The identity key is the only
// identifier; raw addresses are never stored.
type Profile struct {
	IdentityKey string         `json:"identity_key"`
	Name        string         `json:"name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Children    []Child        `json:"children"`
	Settings    map[string]any `json:"settings"`
	Metadata    Metadata       `json:"metadata"`
}

// Default synthesizes a fresh profile for an identity that has no stored
// record. Every place that encounters a missing record uses this single
// constructor, so defaults never drift.
func Default(identityKey string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		IdentityKey: identityKey,
		Children:    []Child{},
		Settings: map[string]any{
			"privacy_notices":    false,
			"preferred_language": "en",
			"timezone":           "UTC",
		},
		Metadata: Metadata{
			CreatedAt:       now,
			LastSeenAt:      now,
			OnboardingState: "WELCOME",
		},
	}
}

// Clone returns a deep copy so callers can mutate without aliasing the
// profile another goroutine may hold.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Children = make([]Child, len(p.Children))
	copy(cp.Children, p.Children)
	cp.Settings = make(map[string]any, len(p.Settings))
	for k, v := range p.Settings {
		cp.Settings[k] = v
	}
	return &cp
}
