// Package session composes the per-message pipeline: identity, rate
// limiting, onboarding, command dispatch, pending-action resolution, and
// the free-form collaborator fallback.
package session
