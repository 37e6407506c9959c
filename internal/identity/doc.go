// Package identity derives opaque, salted, one-way keys from channel
// addresses. The key is the sole handle for all persisted user state.
package identity
