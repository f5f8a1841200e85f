package rpcproxy

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// privateBroadcastMethod is the one method that takes the private-relay
// fan-out path instead of balanced dispatch.
const privateBroadcastMethod = "eth_sendRawTransaction"

// fallbackRetryDelay is the arbitrary sleep applied when a dispatch loop
// has no not_until to wait on.
const fallbackRetryDelay = 500 * time.Millisecond

// RouterConfig configures the top-level dispatcher.
type RouterConfig struct {
	Tiers       []*Pool // balanced pools, in priority order
	PrivatePool *Pool   // optional; nil disables private broadcast
	Cache       *ResponseCache
	Clock       Clock
	Logger      *zap.Logger
}

// Router is the top-level dispatcher: it owns a priority
// list of balanced pools and an optional private-relay pool, and
// implements the two dispatch strategies.
type Router struct {
	tiers       []*Pool
	privatePool *Pool
	cache       *ResponseCache
	clock       Clock
	logger      *zap.Logger
}

// NewRouter builds a Router from configuration.
func NewRouter(cfg RouterConfig) *Router {
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock()
	}
	return &Router{
		tiers:       cfg.Tiers,
		privatePool: cfg.PrivatePool,
		cache:       cfg.Cache,
		clock:       clock,
		logger:      cfg.Logger,
	}
}

// HeadBlock returns the maximum consensus head across all balanced tiers.
func (r *Router) HeadBlock() uint64 {
	var max uint64
	for _, t := range r.tiers {
		if h := t.HeadBlock(); h > max {
			max = h
		}
	}
	return max
}

// Synced reports true iff any balanced tier is synced.
func (r *Router) Synced() bool {
	for _, t := range r.tiers {
		if t.Synced() {
			return true
		}
	}
	return false
}

// TierStatus summarizes one balanced tier for the status endpoint.
type TierStatus struct {
	HeadBlock uint64
	Size      int
	Healthy   int
}

// TierStatuses reports a per-tier snapshot of every balanced pool.
func (r *Router) TierStatuses() []TierStatus {
	statuses := make([]TierStatus, len(r.tiers))
	for i, t := range r.tiers {
		statuses[i] = TierStatus{HeadBlock: t.HeadBlock(), Size: t.Size(), Healthy: t.HealthyCount()}
	}
	return statuses
}

// Route dispatches one JSON-RPC request, selecting the balanced or
// private-broadcast strategy, and returns a well-formed response. It
// blocks (sleeping through backpressure) until ctx is cancelled or a
// response is produced.
func (r *Router) Route(ctx context.Context, req *Request) *Response {
	if req.Method == privateBroadcastMethod && r.privatePool != nil {
		if resp, ok := r.privateBroadcast(ctx, req); ok {
			return resp
		}
		// Err(None): no eligible private upstream at all — fall back to
		// balanced dispatch.
	}
	return r.balancedDispatch(ctx, req)
}

// balancedDispatch tries each tier in priority order, preferring a cache
// hit over any upstream call and retrying with backoff when every tier
// is saturated.
func (r *Router) balancedDispatch(ctx context.Context, req *Request) *Response {
	for {
		var earliestRetry time.Time
		haveEarliest := false

		for _, tier := range r.tiers {
			upstream, notUntil, anyHealthy := tier.NextUpstream()
			switch {
			case upstream != nil:
				// Cache key uses the serving upstream's own head-block, not
				// the tier's consensus head: a Healthy-but-Lagging-within-
				// tolerance member hasn't necessarily reached consensus, and
				// keying on consensus would let it serve a response cached
				// under a head it never actually saw.
				canonical, err := CanonicalParams(req.Params)
				if err != nil {
					return newErrorResponse(req.ID, "invalid params: "+err.Error())
				}
				key := CacheKey{HeadBlock: upstream.HeadBlock(), Method: req.Method, Params: canonical}

				if cached, hit := r.cache.Probe(key); hit {
					return cached.withID(req.ID)
				}

				result, reqErr := tier.SendTo(ctx, upstream, req.Method, req.Params)
				if reqErr != nil {
					if r.logger != nil {
						r.logger.Warn("upstream call failed",
							zap.String("url", upstream.URL()),
							zap.String("method", req.Method),
							zap.Error(reqErr))
					}
					return newErrorResponse(req.ID, reqErr.Error())
				}
				resp := newResultResponse(req.ID, result)
				r.cache.Insert(key, resp)
				return resp
			case !anyHealthy:
				// Err(None): no Healthy member in this tier at all; continue.
				continue
			default:
				// Err(Some(not_until)): tier is saturated right now.
				if !haveEarliest || notUntil.Before(earliestRetry) {
					earliestRetry = notUntil
					haveEarliest = true
				}
			}
		}

		// All tiers exhausted without a success or cache hit.
		var wait time.Time
		if haveEarliest {
			wait = earliestRetry
		} else {
			wait = r.clock.Now().Add(fallbackRetryDelay)
		}
		if err := r.clock.SleepUntil(ctx, wait); err != nil {
			return newErrorResponse(req.ID, "request cancelled: "+err.Error())
		}
	}
}

// privateBroadcast races the request across every eligible private-relay
// member. The bool return reports whether a private-pool dispatch
// actually happened (true) versus no eligible private upstream existing
// at all (false, signalling fallback to balanced dispatch).
func (r *Router) privateBroadcast(ctx context.Context, req *Request) (*Response, bool) {
	for {
		members, notUntil, anyHealthy := r.privatePool.AllEligible()
		switch {
		case len(members) > 0:
			return r.raceBroadcast(ctx, req, members), true
		case !anyHealthy:
			return nil, false
		default:
			if err := r.clock.SleepUntil(ctx, notUntil); err != nil {
				return newErrorResponse(req.ID, "request cancelled: "+err.Error()), true
			}
		}
	}
}

// raceBroadcast fans a request out to members and returns as soon as the
// first success arrives; remaining in-flight calls are left to finish in
// the background.
func (r *Router) raceBroadcast(ctx context.Context, req *Request, members []*Upstream) *Response {
	sink := make(chan BroadcastResult, len(members))
	r.privatePool.Broadcast(ctx, members, req.Method, req.Params, sink)

	var lastErr *RequestError
	for i := 0; i < len(members); i++ {
		select {
		case res := <-sink:
			if res.Err == nil {
				return newResultResponse(req.ID, res.Result)
			}
			lastErr = res.Err
			if r.logger != nil {
				r.logger.Debug("private relay failed",
					zap.String("url", res.Upstream.URL()), zap.Error(res.Err))
			}
		case <-ctx.Done():
			return newErrorResponse(req.ID, "request cancelled: "+ctx.Err().Error())
		}
	}

	message := "all private relays failed"
	if lastErr != nil {
		message = lastErr.Error()
	}
	return newErrorResponse(req.ID, message)
}
