// ABOUTME: Sliding-window anti-abuse limiter with duplicate-streak detection and escalating bans
// ABOUTME: Rate state lives in the shared KV store so limits hold across instances

package abuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cbello1987/Fmla/internal/store"
)

// casAttempts bounds the window update retry loop. Losing every round is
// treated as allow: two racing messages from the same identity both count,
// worst case one window entry is lost.
const casAttempts = 3

// Limits are the tunable caps and durations. Zero values are not defaulted
// here; callers pass a validated config.
type Limits struct {
	MessageCap   int
	FailureCap   int
	DuplicateCap int
	Window       time.Duration
	BanBase      time.Duration
	DuplicateBan time.Duration
	BanMax       time.Duration
	AllowList    []string
}

// window is the persisted per-identity rate state. Timestamps are unix
// milliseconds; BanUntil of zero means no ban.
type window struct {
	Messages        []int64 `json:"messages"`
	Failures        []int64 `json:"failures"`
	BanUntil        int64   `json:"ban_until,omitempty"`
	BanCount        int     `json:"ban_count,omitempty"`
	DuplicateStreak int     `json:"duplicate_streak,omitempty"`
	LastMessageHash string  `json:"last_message_hash,omitempty"`
}

// Limiter admits or rejects inbound messages per identity. State is kept in
// the shared KV store; on store outage it fails open so an infrastructure
// problem never locks legitimate users out.
type Limiter struct {
	kv        store.KV
	limits    Limits
	allowList map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewLimiter creates a limiter over kv with the given limits.
func NewLimiter(kv store.KV, limits Limits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]bool, len(limits.AllowList))
	for _, k := range limits.AllowList {
		allow[k] = true
	}
	return &Limiter{
		kv:        kv,
		limits:    limits,
		allowList: allow,
		logger:    logger.With("component", "abuse"),
		now:       time.Now,
	}
}

// Allow decides whether the message may be processed. When rejected, the
// returned wait is the number of whole seconds until the ban lifts, always
// at least one. successHint marks whether the previous handling of this
// identity's traffic succeeded; false counts toward the failure window.
func (l *Limiter) Allow(ctx context.Context, identityKey, message string, successHint bool) (bool, int) {
	if l.allowList[identityKey] {
		return true, 0
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		w, version, err := l.load(ctx, identityKey)
		if err != nil {
			l.logger.Error("rate window read failed, failing open", "identity", identityKey, "error", err)
			return true, 0
		}

		now := l.now()
		if w.BanUntil > now.UnixMilli() {
			return false, waitSeconds(w.BanUntil, now)
		}

		reason, wait := l.apply(w, message, successHint, now)

		if err := l.save(ctx, identityKey, w, version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			l.logger.Error("rate window write failed, failing open", "identity", identityKey, "error", err)
			return true, 0
		}

		if reason != "" {
			l.logger.Warn("message rejected", "identity", identityKey, "reason", reason, "wait_seconds", wait)
			return false, wait
		}
		return true, 0
	}

	l.logger.Debug("rate window update contention exhausted, allowing", "identity", identityKey)
	return true, 0
}

// apply records the message in w. A non-empty reason and a positive wait
// mean the message was rejected.
func (l *Limiter) apply(w *window, message string, successHint bool, now time.Time) (string, int) {
	ms := now.UnixMilli()
	cutoff := now.Add(-l.limits.Window).UnixMilli()

	w.Messages = prune(w.Messages, cutoff)
	w.Failures = prune(w.Failures, cutoff)

	hash := messageHash(message)
	if hash == w.LastMessageHash {
		w.DuplicateStreak++
	} else {
		w.DuplicateStreak = 1
	}
	w.LastMessageHash = hash

	if w.DuplicateStreak >= l.limits.DuplicateCap {
		l.ban(w, l.limits.DuplicateBan, now)
		return "duplicate streak", waitSeconds(w.BanUntil, now)
	}

	// A message over the cap is dropped, not recorded: the window drains on
	// its own and the sender is throttled until it has room again.
	if len(w.Messages) >= l.limits.MessageCap {
		freeAt := w.Messages[0] + l.limits.Window.Milliseconds()
		return "message rate", waitSeconds(freeAt, now)
	}
	w.Messages = append(w.Messages, ms)

	if !successHint {
		w.Failures = append(w.Failures, ms)
		if len(w.Failures) > l.limits.FailureCap {
			l.ban(w, l.limits.BanBase, now)
			return "failure rate", waitSeconds(w.BanUntil, now)
		}
	}
	return "", 0
}

// ban sets BanUntil using the base duration doubled per prior ban, capped
// at BanMax. Repeat offenders wait longer each time.
func (l *Limiter) ban(w *window, base time.Duration, now time.Time) {
	d := base << w.BanCount
	if d > l.limits.BanMax || d < base {
		d = l.limits.BanMax
	}
	w.BanCount++
	w.BanUntil = now.Add(d).UnixMilli()
}

// RecordFailure counts a processing failure against the identity's failure
// window without admitting a new message. Enough failures in the window set
// an escalating ban, same as failures reported through Allow.
func (l *Limiter) RecordFailure(ctx context.Context, identityKey string) {
	if l.allowList[identityKey] {
		return
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		w, version, err := l.load(ctx, identityKey)
		if err != nil {
			l.logger.Error("rate window read failed, dropping failure record", "identity", identityKey, "error", err)
			return
		}

		now := l.now()
		cutoff := now.Add(-l.limits.Window).UnixMilli()
		w.Messages = prune(w.Messages, cutoff)
		w.Failures = append(prune(w.Failures, cutoff), now.UnixMilli())
		if len(w.Failures) > l.limits.FailureCap && w.BanUntil <= now.UnixMilli() {
			l.ban(w, l.limits.BanBase, now)
		}

		if err := l.save(ctx, identityKey, w, version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			l.logger.Error("rate window write failed, dropping failure record", "identity", identityKey, "error", err)
		}
		return
	}
}

func (l *Limiter) load(ctx context.Context, identityKey string) (*window, int64, error) {
	rec, err := l.kv.Get(ctx, store.RateKey(identityKey))
	if errors.Is(err, store.ErrNotFound) {
		return &window{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var w window
	if err := json.Unmarshal(rec.Value, &w); err != nil {
		l.logger.Warn("corrupt rate window, starting fresh", "identity", identityKey, "error", err)
		return &window{}, rec.Version, nil
	}
	return &w, rec.Version, nil
}

func (l *Limiter) save(ctx context.Context, identityKey string, w *window, version int64) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	// The record only needs to outlive the window or the ban, whichever is
	// longer; twice the max ban is a safe bound.
	ttl := 2 * l.limits.BanMax
	if ttl < 2*l.limits.Window {
		ttl = 2 * l.limits.Window
	}
	return l.kv.CompareAndSwap(ctx, store.RateKey(identityKey), data, ttl, version)
}

func prune(ts []int64, cutoff int64) []int64 {
	kept := ts[:0]
	for _, t := range ts {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	return kept
}

func waitSeconds(banUntil int64, now time.Time) int {
	secs := int(math.Ceil(float64(banUntil-now.UnixMilli()) / 1000))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func messageHash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}
