package rpcproxy

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-endpoint admission gate parameterized by a
// requests-per-period hard limit. A zero/absent hard limit
// means infinite admission. It is a pure function of its internal bucket
// state and the clock it was built with; it never errors, it only ever
// grants or reports the not_until instant at which a retry may succeed.
type RateLimiter struct {
	limiter *rate.Limiter
	clock   Clock
}

// burstMultiplier sizes burst capacity at 2x the steady-state rate.
const burstMultiplier = 2

// NewRateLimiter builds a token-bucket limiter refilling at hardLimit
// requests/sec with burst capacity hardLimit*burstMultiplier. hardLimit
// <= 0 means unlimited admission.
func NewRateLimiter(hardLimit float64, clock Clock) *RateLimiter {
	if hardLimit <= 0 {
		return &RateLimiter{limiter: nil, clock: clock}
	}
	burst := int(hardLimit * burstMultiplier)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(hardLimit), burst),
		clock:   clock,
	}
}

// Check attempts to admit one request. It returns (true, zero) when
// granted, or (false, notUntil) when the caller must not retry before
// notUntil.
func (l *RateLimiter) Check() (ok bool, notUntil time.Time) {
	if l.limiter == nil {
		return true, time.Time{}
	}

	now := l.clock.Now()
	reservation := l.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		// Burst is too small to ever satisfy this request; treat as a
		// long-lived not_until so callers fall through rather than spin.
		return false, now.Add(time.Hour)
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, time.Time{}
	}

	reservation.CancelAt(now)
	return false, now.Add(delay)
}

// Utilization returns the fraction of burst capacity currently consumed,
// in [0,1]; unlimited limiters report 0 (never the busiest candidate).
// Used by Pool.NextUpstream's least-utilization-first selection.
func (l *RateLimiter) Utilization() float64 {
	if l.limiter == nil {
		return 0
	}
	burst := float64(l.limiter.Burst())
	if burst <= 0 {
		return 0
	}
	tokens := l.limiter.TokensAt(l.clock.Now())
	used := burst - tokens
	if used < 0 {
		used = 0
	}
	return used / burst
}

// WaitTimeFrom returns max(0, notUntil-now).
func WaitTimeFrom(notUntil, now time.Time) time.Duration {
	d := notUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
