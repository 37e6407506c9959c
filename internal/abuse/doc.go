// Package abuse rejects floods, failure storms, and duplicate-message
// streaks per identity, with escalating temporary bans persisted in the
// shared store.
package abuse
