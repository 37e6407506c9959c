// Package pending stores the single short-lived action awaiting a user's
// confirmation or cancellation.
package pending
