// Package cache provides a bounded TTL cache for generated replies so a
// repeated message skips a collaborator round-trip.
package cache
