package ratelimit

import "time"

// Bucket is the per-IP token-bucket state.
// tokens is a non-negative real number, never exceeding maxTokens;
// lastRefill and lastSeen are monotonically non-decreasing per key.
// A Bucket is only ever mutated while its owning shard's lock is held.
type Bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// newBucket initializes a bucket at full capacity: tokens = maxTokens,
// lastRefill = lastSeen = now.
func newBucket(maxTokens float64, now time.Time) *Bucket {
	return &Bucket{
		tokens:     maxTokens,
		lastRefill: now,
		lastSeen:   now,
	}
}

// refill advances the bucket to now, adding elapsed*refillRate tokens
// and clamping at maxTokens. elapsed is floored at zero so a clock
// that appears to move backward never drains tokens.
func (b *Bucket) refill(now time.Time, refillRate, maxTokens float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * refillRate
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
	b.lastRefill = now
}

// tryConsume refills the bucket to now and, if at least one token is
// available, consumes it and reports ALLOW. Otherwise reports DENY.
// lastSeen is updated on every call regardless of verdict, since it
// tracks the most recent admission check, not the last grant.
func (b *Bucket) tryConsume(now time.Time, refillRate, maxTokens float64) bool {
	b.refill(now, refillRate, maxTokens)
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// idleSince reports how long it has been since this bucket was last
// checked, used by the sweeper to decide eviction.
func (b *Bucket) idleSince(now time.Time) time.Duration {
	return now.Sub(b.lastSeen)
}
