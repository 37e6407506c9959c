// Package store defines the key-value contract the session core requires of
// its external store and provides two implementations: a SQLite-backed store
// for durable shared state and an in-memory store for tests and
// single-instance runs.
//
// Every record is versioned; CompareAndSwap is the primitive the profile
// layer and rate limiter build their optimistic read-modify-write loops on.
// TTLs are first-class: profile records refresh their TTL on every write,
// pending actions expire on their own, and expired records read as absent.
package store
