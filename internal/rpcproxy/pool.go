package rpcproxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolConfig configures one tier of upstreams.
type PoolConfig struct {
	MaxLagBlocks uint64
}

// Pool is an ordered collection of Upstream connections forming one tier.
// It tracks the tier's consensus head-block and
// recomputes member health against the lag tolerance before every
// selection.
type Pool struct {
	members      []*Upstream
	maxLagBlocks uint64
	logger       *zap.Logger

	mu sync.Mutex // serializes recomputeHealth + selection against concurrent Broadcast reads; short hold, no I/O
}

// NewPool builds a tier from already-constructed upstreams, in the order
// they should be preferred on ties.
func NewPool(cfg PoolConfig, members []*Upstream, logger *zap.Logger) *Pool {
	return &Pool{
		members:      members,
		maxLagBlocks: cfg.MaxLagBlocks,
		logger:       logger,
	}
}

// HeadBlock returns the pool's consensus head: the maximum head-block
// across all members.
func (p *Pool) HeadBlock() uint64 {
	var max uint64
	for _, m := range p.members {
		if h := m.HeadBlock(); h > max {
			max = h
		}
	}
	return max
}

// Synced reports true iff the consensus head is known and at least one
// member is Healthy.
func (p *Pool) Synced() bool {
	if p.HeadBlock() == 0 {
		return false
	}
	for _, m := range p.members {
		if m.State() == Healthy {
			return true
		}
	}
	return false
}

// Size returns the tier's configured member count.
func (p *Pool) Size() int { return len(p.members) }

// HealthyCount returns how many members are currently Healthy, after
// recomputing health against the current consensus head.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recomputeHealth()
	count := 0
	for _, m := range p.members {
		if m.State() == Healthy {
			count++
		}
	}
	return count
}

// recomputeHealth applies the lag-tolerance invariant: a
// connection is eligible iff consensus_head - head_block <=
// maximum_lag_blocks and it isn't flagged Unhealthy by its own probe
// failure streak. Unhealthy (probe-failure-driven) is left untouched
// here; only the Healthy<->Lagging transition is pool-driven.
func (p *Pool) recomputeHealth() uint64 {
	consensus := p.HeadBlock()
	for _, m := range p.members {
		if m.State() == Unhealthy {
			continue
		}
		lag := uint64(0)
		head := m.HeadBlock()
		if consensus > head {
			lag = consensus - head
		}
		if lag > p.maxLagBlocks {
			m.setHealth(Lagging)
		} else {
			m.setHealth(Healthy)
		}
	}
	return consensus
}

// NextUpstream implements the selection policy: among
// Healthy members, pick the lowest-utilization one, breaking ties by
// weight then by stable input order; fall through members that turn out
// to be rate-limited, tracking the earliest not_until seen. Returns
// (nil, zero-time, false) when no Healthy member ever existed, or
// (nil, notUntil, true) when Healthy members exist but are all currently
// rate-limited.
func (p *Pool) NextUpstream() (upstream *Upstream, notUntil time.Time, anyHealthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recomputeHealth()

	candidates := make([]*Upstream, 0, len(p.members))
	for _, m := range p.members {
		if m.State() == Healthy {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, time.Time{}, false
	}
	anyHealthy = true

	var earliest time.Time
	for len(candidates) > 0 {
		best := selectLeastUtilized(candidates)
		if ok, nu := best.CheckAdmission(); ok {
			return best, time.Time{}, true
		} else {
			if earliest.IsZero() || nu.Before(earliest) {
				earliest = nu
			}
			candidates = removeUpstream(candidates, best)
		}
	}
	return nil, earliest, true
}

// selectLeastUtilized picks the candidate with lowest limiter
// utilization, breaking ties by weight (higher preferred) then by the
// candidates' relative order.
func selectLeastUtilized(candidates []*Upstream) *Upstream {
	best := candidates[0]
	bestUtil := best.limiter.Utilization()
	for _, c := range candidates[1:] {
		util := c.limiter.Utilization()
		switch {
		case util < bestUtil:
			best, bestUtil = c, util
		case util == bestUtil && c.Weight() > best.Weight():
			best, bestUtil = c, util
		}
	}
	return best
}

func removeUpstream(list []*Upstream, target *Upstream) []*Upstream {
	out := make([]*Upstream, 0, len(list)-1)
	for _, u := range list {
		if u != target {
			out = append(out, u)
		}
	}
	return out
}

// AllEligible returns every currently Healthy, rate-admitted member,
// used by the private broadcast fan-out. Succeeds (a
// non-empty slice) iff at least one Healthy member is admitted right
// now; otherwise returns the earliest not_until across Healthy members,
// or (nil, zero, false) if there are no Healthy members at all.
func (p *Pool) AllEligible() (members []*Upstream, notUntil time.Time, anyHealthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.recomputeHealth()

	var earliest time.Time
	for _, m := range p.members {
		if m.State() != Healthy {
			continue
		}
		anyHealthy = true
		ok, nu := m.CheckAdmission()
		if ok {
			members = append(members, m)
		} else if earliest.IsZero() || nu.Before(earliest) {
			earliest = nu
		}
	}
	if len(members) == 0 {
		return nil, earliest, anyHealthy
	}
	return members, time.Time{}, anyHealthy
}

// SendTo forwards a method/params call via the given upstream handle.
// Calling SendTo with a handle not belonging to this
// pool is a programming error, not a runtime error class.
func (p *Pool) SendTo(ctx context.Context, u *Upstream, method string, params json.RawMessage) (json.RawMessage, *RequestError) {
	return u.TryRequest(ctx, method, params)
}

// BroadcastResult is one member's outcome from Broadcast.
type BroadcastResult struct {
	Upstream *Upstream
	Result   json.RawMessage
	Err      *RequestError
}

// Broadcast spawns one goroutine per handle, each pushing its result
// (success or failure) to sink; it does not wait for all goroutines to
// finish: this is the explicit fire-and-forget cancellation design —
// dropped callers still let detached broadcasts complete because they
// may still land a private transaction.
func (p *Pool) Broadcast(ctx context.Context, members []*Upstream, method string, params json.RawMessage, sink chan<- BroadcastResult) {
	callCtx := context.WithoutCancel(ctx)
	for _, m := range members {
		go func(u *Upstream) {
			result, err := u.TryRequest(callCtx, method, params)
			select {
			case sink <- BroadcastResult{Upstream: u, Result: result, Err: err}:
			case <-ctx.Done():
				// Channel consumer gone; still attempt delivery on a best-effort
				// basis so the detached task isn't blocked forever on a full
				// unbuffered sink.
				select {
				case sink <- BroadcastResult{Upstream: u, Result: result, Err: err}:
				default:
				}
			}
		}(m)
	}
}
