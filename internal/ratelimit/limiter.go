// Package ratelimit implements the per-source-IP token-bucket store
// that gates admission into the gateway. The store is a sharded map
// so a hot IP's lock only serializes checks against IPs that hash to
// the same shard.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
)

// shardCount is the number of independent lock/map pairs the store is
// striped across. A power of two keeps the modulo-by-mask shard
// selection in shardFor() a single AND instruction.
const shardCount = 64

// shard is one lock-protected slice of the overall bucket map.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// Limiter is the concurrent per-IP token-bucket store: many handler
// goroutines call Check concurrently, one background goroutine sweeps
// idle entries, and no single lock serializes the whole store.
type Limiter struct {
	shards     [shardCount]*shard
	maxTokens  float64
	refillRate float64
	idleTTL    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLimiter constructs a Limiter from the configured limit parameters.
// It does not start the sweeper; call StartSweeper separately so a
// caller with rate limiting disabled can skip it entirely.
func NewLimiter(cfg config.LimitConfig) *Limiter {
	l := &Limiter{
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		idleTTL:    cfg.IPIdleTimeoutDuration(),
		stop:       make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*Bucket)}
	}
	return l
}

// shardFor selects the shard owning ip, using FNV-1a so the same IP
// always lands on the same shard without a cryptographic hash's cost.
func (l *Limiter) shardFor(ip string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return l.shards[h.Sum32()&(shardCount-1)]
}

// Check locates or inserts the bucket for ip, refills it to now, and
// consumes one token if available. Returns true for ALLOW, false for
// DENY. No error is ever returned; a boolean verdict is the whole
// contract.
func (l *Limiter) Check(ip string, now time.Time) bool {
	s := l.shardFor(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[ip]
	if !ok {
		b = newBucket(l.maxTokens, now)
		s.buckets[ip] = b
	}
	return b.tryConsume(now, l.refillRate, l.maxTokens)
}

// StartSweeper launches the background eviction task that wakes every
// cleanup_interval and removes buckets idle longer than
// ip_idle_timeout. The sweep takes only the per-key (per-shard) lock
// it needs to delete, so it never blocks the admission hot path beyond
// that one shard's lock.
func (l *Limiter) StartSweeper(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				l.sweep(now)
			case <-l.stop:
				return
			}
		}
	}()
}

// sweep removes idle entries from every shard in turn. Each shard is
// locked independently and briefly, so a sweep in progress never holds
// a global lock across the whole store.
func (l *Limiter) sweep(now time.Time) {
	for _, s := range l.shards {
		s.mu.Lock()
		for ip, b := range s.buckets {
			if b.idleSince(now) > l.idleTTL {
				delete(s.buckets, ip)
			}
		}
		s.mu.Unlock()
	}
}

// Stop halts the sweeper goroutine, if running, and waits for it to
// exit. Safe to call even if StartSweeper was never called.
func (l *Limiter) Stop() {
	close(l.stop)
	l.wg.Wait()
}
