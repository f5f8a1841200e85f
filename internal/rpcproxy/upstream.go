package rpcproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthState is an upstream's place in the Healthy/Lagging/Unhealthy
// machine. Only Healthy upstreams are eligible for
// selection.
type HealthState int

const (
	Healthy HealthState = iota
	Lagging
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Lagging:
		return "lagging"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// maxConsecutiveProbeFailures is how many consecutive probe failures are
// tolerated before head-block resets to 0 and the upstream goes
// Unhealthy until the next successful probe.
const maxConsecutiveProbeFailures = 5

// defaultProbeInterval is the background head-block probe cadence.
const defaultProbeInterval = 13 * time.Second

// UpstreamConfig is the static, post-construction-immutable description
// of one upstream endpoint.
type UpstreamConfig struct {
	URL           string
	SoftLimit     float64 // advisory RPS, informational only
	HardLimit     float64 // enforced RPS; <= 0 means unlimited
	Weight        int     // tiebreak favoring preferred endpoints
	ProbeInterval time.Duration
}

// Upstream is a single RPC endpoint: its identity, caller, rate limiter,
// head-block, soft-fail count, and health state.
// Identity (URL) never changes after construction; head-block is
// mutated only by the probe loop, single-writer/multi-reader/atomic.
type Upstream struct {
	url    string
	weight int
	caller Caller
	clock  Clock
	logger *zap.Logger

	limiter *RateLimiter

	headBlock   atomic.Uint64
	softFailCnt atomic.Int64

	probeInterval       time.Duration
	consecutiveFailures atomic.Int32

	mu     sync.RWMutex
	health HealthState
}

// NewUpstream constructs an Upstream from configuration. It is
// Unhealthy (head-block unknown) until the first successful probe.
func NewUpstream(cfg UpstreamConfig, caller Caller, clock Clock, logger *zap.Logger) *Upstream {
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Upstream{
		url:           cfg.URL,
		weight:        cfg.Weight,
		caller:        caller,
		clock:         clock,
		logger:        logger,
		limiter:       NewRateLimiter(cfg.HardLimit, clock),
		probeInterval: interval,
		health:        Unhealthy,
	}
}

// URL returns the endpoint's identity.
func (u *Upstream) URL() string { return u.url }

// Weight returns the configured selection tiebreak weight.
func (u *Upstream) Weight() int { return u.weight }

// HeadBlock returns the last observed block height (0 = unknown).
func (u *Upstream) HeadBlock() uint64 { return u.headBlock.Load() }

// State returns the current health state.
func (u *Upstream) State() HealthState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.health
}

// CheckAdmission consults the rate limiter only; it does not consider
// health. Pools combine this with health filtering during selection.
func (u *Upstream) CheckAdmission() (ok bool, notUntil time.Time) {
	return u.limiter.Check()
}

// RequestReason categorizes why TryRequest failed.
type RequestReason int

const (
	ReasonNone RequestReason = iota
	ReasonRateLimited
	ReasonTransport
	ReasonDecode
	ReasonUpstreamError
)

// RequestError carries the failure reason and, for rate limiting, the
// not_until instant the caller must wait for.
type RequestError struct {
	Reason   RequestReason
	NotUntil time.Time
	Err      error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "request failed"
}

func (e *RequestError) Unwrap() error { return e.Err }

// TryRequest makes one JSON-RPC call and returns the result field, or a
// RequestError describing why it failed. All reasons
// other than rate-limiting increment the soft-fail count.
func (u *Upstream) TryRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *RequestError) {
	if ok, notUntil := u.limiter.Check(); !ok {
		return nil, &RequestError{Reason: ReasonRateLimited, NotUntil: notUntil}
	}

	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage("1"),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		u.recordSoftFail()
		return nil, &RequestError{Reason: ReasonTransport, Err: fmt.Errorf("encode request: %w", err)}
	}

	resp, err := u.caller.Call(ctx, u.url, body)
	if err != nil {
		u.recordSoftFail()
		return nil, &RequestError{Reason: ReasonTransport, Err: err}
	}

	if resp.Error != nil {
		u.recordSoftFail()
		return nil, &RequestError{
			Reason: ReasonUpstreamError,
			Err:    fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	return resp.Result, nil
}

func (u *Upstream) recordSoftFail() {
	u.softFailCnt.Add(1)
}

// SoftFailCount returns the cumulative count of non-rate-limit failures.
func (u *Upstream) SoftFailCount() int64 { return u.softFailCnt.Load() }

// RunProbe starts the background head-block probe loop. It blocks until
// ctx is cancelled; callers run it in its own goroutine.
func (u *Upstream) RunProbe(ctx context.Context) {
	ticker := time.NewTicker(u.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.probeOnce(ctx)
		}
	}
}

func (u *Upstream) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, u.probeInterval)
	defer cancel()

	result, reqErr := u.TryRequest(probeCtx, "eth_blockNumber", nil)
	if reqErr != nil {
		n := u.consecutiveFailures.Add(1)
		if u.logger != nil {
			u.logger.Warn("head-block probe failed",
				zap.String("url", u.url),
				zap.Int32("consecutive_failures", n),
				zap.Error(reqErr))
		}
		if n >= maxConsecutiveProbeFailures {
			u.headBlock.Store(0)
			u.setHealth(Unhealthy)
		}
		return
	}

	var hexHeight string
	if err := json.Unmarshal(result, &hexHeight); err != nil {
		return
	}
	height, err := parseHexUint64(hexHeight)
	if err != nil {
		return
	}

	u.consecutiveFailures.Store(0)
	u.headBlock.Store(height)
	u.setHealth(Healthy)
	if u.logger != nil {
		u.logger.Debug("head-block probe succeeded", zap.String("url", u.url), zap.Uint64("height", height))
	}
}

// setHealth transitions health state; called under the pool's
// recomputeHealth as well as on probe failure streaks.
func (u *Upstream) setHealth(s HealthState) {
	u.mu.Lock()
	prev := u.health
	u.health = s
	u.mu.Unlock()
	if prev != s && u.logger != nil {
		u.logger.Info("upstream health transition",
			zap.String("url", u.url), zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

func parseHexUint64(hex string) (uint64, error) {
	if len(hex) < 2 || hex[0] != '0' || (hex[1] != 'x' && hex[1] != 'X') {
		return 0, fmt.Errorf("invalid hex format: %s", hex)
	}
	var result uint64
	if _, err := fmt.Sscanf(hex, "0x%x", &result); err != nil {
		return 0, err
	}
	return result, nil
}
