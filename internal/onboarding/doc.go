// Package onboarding drives the new-user setup flow: an ordered, partly
// skippable state machine whose state is inferred from the profile so it
// self-heals after partial writes.
package onboarding
