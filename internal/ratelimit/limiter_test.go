package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
)

func testLimiter(maxTokens, refillRate float64, idleTimeout time.Duration) *Limiter {
	return NewLimiter(config.LimitConfig{
		MaxTokens:     maxTokens,
		RefillRate:    refillRate,
		IPIdleTimeout: int(idleTimeout.Seconds()),
	})
}

// TestCheckAllowsUpToBurstCapacity verifies that with max_tokens=5,
// the first 5 checks in rapid succession are admitted and the 6th and
// 7th are denied.
func TestCheckAllowsUpToBurstCapacity(t *testing.T) {
	l := testLimiter(5, 1, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if !l.Check("10.0.0.1", now) {
			t.Fatalf("expected ALLOW on attempt %d", i+1)
		}
	}
	if l.Check("10.0.0.1", now) {
		t.Fatal("expected DENY on 6th rapid attempt")
	}
	if l.Check("10.0.0.1", now) {
		t.Fatal("expected DENY on 7th rapid attempt")
	}
}

// TestCheckRefillsAfterWait verifies that waiting at least 1/refillRate
// seconds admits a new request.
func TestCheckRefillsAfterWait(t *testing.T) {
	l := testLimiter(1, 1, time.Minute)
	now := time.Now()

	if !l.Check("10.0.0.2", now) {
		t.Fatal("expected first check to ALLOW")
	}
	if l.Check("10.0.0.2", now) {
		t.Fatal("expected immediate second check to DENY")
	}

	later := now.Add(1100 * time.Millisecond)
	if !l.Check("10.0.0.2", later) {
		t.Fatal("expected check to ALLOW after refill window")
	}
}

// TestCheckNeverExceedsMaxTokens covers the boundary where tokens sit
// exactly at max_tokens and elapsed time would otherwise overflow it.
func TestCheckNeverExceedsMaxTokens(t *testing.T) {
	l := testLimiter(3, 100, time.Minute)
	now := time.Now()

	l.Check("10.0.0.3", now)
	far := now.Add(time.Hour)
	if !l.Check("10.0.0.3", far) {
		t.Fatal("expected ALLOW after long idle period")
	}

	s := l.shardFor("10.0.0.3")
	s.mu.Lock()
	tokens := s.buckets["10.0.0.3"].tokens
	s.mu.Unlock()
	if tokens > 3 {
		t.Fatalf("tokens exceeded max_tokens: %v", tokens)
	}
}

// TestCheckExactlyOneToken covers the boundary case where tokens sit
// at exactly 1.0: the check must still ALLOW.
func TestCheckExactlyOneToken(t *testing.T) {
	l := testLimiter(1, 0, time.Minute)
	now := time.Now()

	if !l.Check("10.0.0.4", now) {
		t.Fatal("expected ALLOW with tokens exactly at 1.0")
	}
	if l.Check("10.0.0.4", now) {
		t.Fatal("expected DENY once tokens drop below 1.0")
	}
}

// TestDistinctIPsAreIndependent verifies each source IP gets its own
// bucket and one IP's exhaustion never denies another.
func TestDistinctIPsAreIndependent(t *testing.T) {
	l := testLimiter(1, 0, time.Minute)
	now := time.Now()

	if !l.Check("10.0.0.5", now) {
		t.Fatal("expected ALLOW for first IP")
	}
	if !l.Check("10.0.0.6", now) {
		t.Fatal("expected ALLOW for distinct IP despite first IP's bucket being empty")
	}
}

// TestSweepEvictsIdleEntries verifies the sweeper removes buckets idle
// longer than ip_idle_timeout without touching active ones.
func TestSweepEvictsIdleEntries(t *testing.T) {
	l := testLimiter(5, 1, time.Second)
	now := time.Now()

	l.Check("10.0.0.7", now)
	l.Check("10.0.0.8", now)

	// Keep 10.0.0.8 active, let 10.0.0.7 go idle.
	later := now.Add(2 * time.Second)
	l.Check("10.0.0.8", later)

	l.sweep(later)

	s7 := l.shardFor("10.0.0.7")
	s7.mu.Lock()
	_, stillPresent := s7.buckets["10.0.0.7"]
	s7.mu.Unlock()
	if stillPresent {
		t.Fatal("expected idle bucket to be evicted by sweep")
	}

	s8 := l.shardFor("10.0.0.8")
	s8.mu.Lock()
	_, stillPresent = s8.buckets["10.0.0.8"]
	s8.mu.Unlock()
	if !stillPresent {
		t.Fatal("expected recently-checked bucket to survive sweep")
	}
}

// TestCheckConcurrentAccess exercises many goroutines hammering a mix
// of shared and distinct IPs concurrently with the sweeper running,
// the way handler goroutines and the sweeper overlap in production.
func TestCheckConcurrentAccess(t *testing.T) {
	l := testLimiter(1000, 1000, time.Minute)
	l.StartSweeper(time.Millisecond)
	defer l.Stop()

	var wg sync.WaitGroup
	ips := []string{"10.0.1.1", "10.0.1.2", "10.0.1.3", "10.0.1.4"}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ip := ips[i%len(ips)]
		go func(ip string) {
			defer wg.Done()
			l.Check(ip, time.Now())
		}(ip)
	}
	wg.Wait()
}
