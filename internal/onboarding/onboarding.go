// ABOUTME: Onboarding state machine layered on the profile store
// ABOUTME: State is inferred from populated fields so a partial write self-heals instead of sticking

package onboarding

import (
	"errors"
	"fmt"

	"github.com/cbello1987/Fmla/internal/profile"
)

// State is one step of the setup sequence.
type State string

const (
	StateWelcome        State = "WELCOME"
	StateNameCollection State = "NAME_COLLECTION"
	StateFamilyInfo     State = "FAMILY_INFO"
	StateEmailSetup     State = "EMAIL_SETUP"
	StateCompletion     State = "COMPLETION"
)

// sequence is the ordered setup flow. Transitions only move forward except
// for a hard reset via data erasure.
var sequence = []State{StateWelcome, StateNameCollection, StateFamilyInfo, StateEmailSetup, StateCompletion}

// ErrNotSkippable is returned by Skip for states that require data.
var ErrNotSkippable = errors.New("state is not skippable")

// Fields carries the data extracted from one onboarding message.
// Skipped flags advance a skippable step without providing data.
type Fields struct {
	Name          string
	Children      []profile.Child
	FamilySkipped bool
	Email         string
	EmailSkipped  bool
}

func index(s State) int {
	for i, st := range sequence {
		if st == s {
			return i
		}
	}
	return 0
}

// CurrentState derives the user's onboarding step from the profile. The
// stored state enum is only trusted as far as the populated fields support
// it: a profile with no name is back at name collection no matter what a
// stale write claims, and a complete profile is always at completion.
func CurrentState(p *profile.Profile) State {
	if p.Metadata.OnboardingComplete {
		return StateCompletion
	}

	stored := State(p.Metadata.OnboardingState)
	if index(stored) == 0 && stored != StateWelcome {
		stored = StateWelcome
	}

	if p.Name == "" {
		if stored == StateWelcome && p.Metadata.MessageCount == 0 {
			return StateWelcome
		}
		return StateNameCollection
	}

	// Name present: family info is the earliest possible step. Whether the
	// family step was answered or skipped is only recorded in the stored
	// state, since skipping legitimately leaves no data behind.
	if index(stored) <= index(StateFamilyInfo) {
		return StateFamilyInfo
	}

	if p.Email == "" {
		return StateEmailSetup
	}
	return StateCompletion
}

// Advance merges collected fields into a copy of the profile and moves the
// state machine forward. Calling it on an already-complete profile is a
// no-op that returns the profile unchanged: onboarding never re-triggers,
// even when a later message superficially resembles onboarding input.
func Advance(p *profile.Profile, f Fields) (*profile.Profile, State) {
	if p.Metadata.OnboardingComplete {
		return p, StateCompletion
	}

	merged := p.Clone()
	if f.Name != "" {
		merged.Name = f.Name
	}
	if len(f.Children) > 0 {
		merged.Children = append(merged.Children, f.Children...)
	}
	if f.Email != "" {
		merged.Email = f.Email
	}

	state := CurrentState(merged)

	// A family answer (or an explicit skip) moves past the family step;
	// completion of the email step finishes onboarding.
	if state == StateFamilyInfo && (len(f.Children) > 0 || f.FamilySkipped) {
		state = StateEmailSetup
	}
	// An explicit email finishes setup even when the family step was never
	// answered; the user volunteered the last required field.
	if merged.Email != "" && index(state) >= index(StateFamilyInfo) {
		state = StateCompletion
	} else if state == StateEmailSetup && f.EmailSkipped {
		state = StateCompletion
	}
	if state == StateWelcome {
		// The welcome message has been sent; the next input is the name.
		state = StateNameCollection
	}

	merged.Metadata.OnboardingState = string(state)
	if state == StateCompletion {
		merged.Metadata.OnboardingComplete = true
	}
	return merged, state
}

// Skip advances exactly one step without data. Only the family and email
// steps may be skipped.
func Skip(s State) (State, error) {
	switch s {
	case StateFamilyInfo:
		return StateEmailSetup, nil
	case StateEmailSetup:
		return StateCompletion, nil
	default:
		return s, fmt.Errorf("%w: %s", ErrNotSkippable, s)
	}
}

// NextPrompt generates the message shown for a state, personalized with
// whatever the profile already holds.
func NextPrompt(s State, p *profile.Profile) string {
	switch s {
	case StateWelcome:
		return "👋 Hi! I'm Fmla, your family assistant. What's your first name?"
	case StateNameCollection:
		if p.Name != "" {
			return fmt.Sprintf("Nice to meet you, %s! Do you have any kids or family members you'd like me to remember? (You can say 'skip' if not)", p.Name)
		}
		return "What's your first name? (You can just reply with your name)"
	case StateFamilyInfo:
		if p.Name != "" {
			return fmt.Sprintf("Nice to meet you, %s! Do you have any kids or family members you'd like me to remember? (You can say 'skip' if not)", p.Name)
		}
		return "Do you have any kids or family members you'd like me to remember? (Or say 'skip')"
	case StateEmailSetup:
		if p.Email != "" {
			return fmt.Sprintf("Thanks! I'll send a test event to %s. One moment...", p.Email)
		}
		return "Got it! Would you like to connect your family calendar? If so, please share your email. (Or say 'skip')"
	case StateCompletion:
		return "🎉 All set! You're ready to use Fmla for your family. Just text me anytime!"
	default:
		return "Let's continue setting up your family assistant."
	}
}
