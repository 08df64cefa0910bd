package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

// testClock lets tests advance time without sleeping.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*Limiter, *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	l := NewLimiter()
	l.now = clock.now
	return l, clock
}

func TestAllowExactCount(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		if !l.Allow("k", 5, time.Minute) {
			t.Fatalf("request %d denied, want first 5 admitted", i+1)
		}
	}
	for i := 0; i < 3; i++ {
		if l.Allow("k", 5, time.Minute) {
			t.Fatalf("request %d admitted, want denied after limit", 6+i)
		}
	}
}

func TestWindowResets(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < 3; i++ {
		l.Allow("k", 3, time.Minute)
	}
	if l.Allow("k", 3, time.Minute) {
		t.Fatal("admitted over limit inside window")
	}

	clock.advance(time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("k", 3, time.Minute) {
			t.Fatalf("request %d denied after window reset", i+1)
		}
	}
	if l.Allow("k", 3, time.Minute) {
		t.Fatal("admitted over limit in second window")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	a := Key("10.0.0.1", ClassSearch)
	b := Key("10.0.0.1", ClassUpload)
	c := Key("10.0.0.2", ClassSearch)

	for i := 0; i < 2; i++ {
		l.Allow(a, 2, time.Minute)
	}
	if l.Allow(a, 2, time.Minute) {
		t.Fatal("key a admitted over limit")
	}
	if !l.Allow(b, 2, time.Minute) {
		t.Error("key b denied, want independent budget per class")
	}
	if !l.Allow(c, 2, time.Minute) {
		t.Error("key c denied, want independent budget per caller")
	}
}

func TestUnlimitedWhenLimitZero(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 1000; i++ {
		if !l.Allow("k", 0, time.Minute) {
			t.Fatal("denied with limit 0, want unlimited")
		}
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0 tracked windows for unlimited keys", l.Len())
	}
}

func TestRetryAfter(t *testing.T) {
	l, clock := newTestLimiter()

	l.Allow("k", 1, time.Minute)
	clock.advance(20 * time.Second)

	got := l.RetryAfter("k", time.Minute)
	if got != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", got)
	}

	clock.advance(50 * time.Second)
	if got := l.RetryAfter("k", time.Minute); got != 0 {
		t.Errorf("RetryAfter after expiry = %v, want 0", got)
	}

	if got := l.RetryAfter("unseen", time.Minute); got != 0 {
		t.Errorf("RetryAfter for unseen key = %v, want 0", got)
	}
}

func TestCleanupDropsExpiredWindows(t *testing.T) {
	l, clock := newTestLimiter()

	l.Allow("old", 5, time.Minute)
	clock.advance(2 * time.Minute)
	l.Allow("fresh", 5, time.Minute)

	l.Cleanup(time.Minute)

	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1 after cleanup", l.Len())
	}
	// The fresh window's count survives cleanup.
	for i := 0; i < 4; i++ {
		l.Allow("fresh", 5, time.Minute)
	}
	if l.Allow("fresh", 5, time.Minute) {
		t.Error("fresh key admitted over limit, cleanup reset its count")
	}
}

func TestOpportunisticPurge(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < purgeThreshold; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 1, time.Minute)
	}
	if l.Len() != purgeThreshold {
		t.Fatalf("Len = %d, want %d", l.Len(), purgeThreshold)
	}

	clock.advance(2 * time.Minute)
	l.Allow("new", 1, time.Minute)

	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1 after opportunistic purge", l.Len())
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf(Key("caller", ClassTransfer)); got != ClassTransfer {
		t.Errorf("ClassOf = %q, want %q", got, ClassTransfer)
	}
	if got := ClassOf("bare"); got != "bare" {
		t.Errorf("ClassOf(bare) = %q, want bare", got)
	}
}
