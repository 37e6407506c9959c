// Package profile persists user profiles with TTL refresh and optimistic
// compare-and-swap updates over the shared key-value store.
package profile
