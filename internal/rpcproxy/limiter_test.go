package rpcproxy

import (
	"testing"
	"time"
)

func TestRateLimiter_UnlimitedAlwaysAdmits(t *testing.T) {
	clock := NewFakeClock(time.Now())
	l := NewRateLimiter(0, clock)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Check(); !ok {
			t.Fatal("unlimited limiter must always admit")
		}
	}
}

func TestRateLimiter_AdmitsWithinBurstThenReportsNotUntil(t *testing.T) {
	start := time.Now()
	clock := NewFakeClock(start)
	l := NewRateLimiter(1, clock) // burst = 2 (1 * burstMultiplier)

	admitted := 0
	for i := 0; i < 2; i++ {
		if ok, _ := l.Check(); ok {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("expected 2 admits within burst, got %d", admitted)
	}

	ok, notUntil := l.Check()
	if ok {
		t.Fatal("expected the 3rd request to be rate-limited")
	}
	if !notUntil.After(clock.Now()) {
		t.Fatal("expected notUntil to be in the future")
	}
}

func TestWaitTimeFrom(t *testing.T) {
	now := time.Now()
	if d := WaitTimeFrom(now.Add(5*time.Second), now); d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
	if d := WaitTimeFrom(now.Add(-5*time.Second), now); d != 0 {
		t.Fatalf("expected 0 for past deadlines, got %v", d)
	}
}
