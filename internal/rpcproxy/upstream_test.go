package rpcproxy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// stubCaller is a scripted Caller for deterministic upstream tests.
type stubCaller struct {
	results []json.RawMessage
	errs    []error
	rpcErrs []*RPCError
	calls   int
}

func (s *stubCaller) Call(ctx context.Context, url string, body []byte) (*Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	resp := &Response{JSONRPC: "2.0", ID: json.RawMessage("1")}
	if i < len(s.rpcErrs) && s.rpcErrs[i] != nil {
		resp.Error = s.rpcErrs[i]
		return resp, nil
	}
	if i < len(s.results) {
		resp.Result = s.results[i]
	}
	return resp, nil
}

func hexBlock(n uint64) json.RawMessage {
	b, _ := json.Marshal(hexString(n))
	return b
}

func hexString(n uint64) string {
	return "0x" + itoaHex(n)
}

func itoaHex(n uint64) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%16]
		n /= 16
	}
	return string(buf[i:])
}

func TestUpstream_StartsUnhealthy(t *testing.T) {
	clock := NewFakeClock(time.Now())
	u := NewUpstream(UpstreamConfig{URL: "http://a"}, &stubCaller{}, clock, nil)
	if u.State() != Unhealthy {
		t.Fatalf("expected initial state Unhealthy, got %s", u.State())
	}
	if u.HeadBlock() != 0 {
		t.Fatal("expected head block 0 before first probe")
	}
}

func TestUpstream_ProbeOnceUpdatesHeadBlockAndClearsFailures(t *testing.T) {
	clock := NewFakeClock(time.Now())
	caller := &stubCaller{results: []json.RawMessage{hexBlock(100)}}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 100}, caller, clock, nil)

	u.probeOnce(context.Background())

	if u.HeadBlock() != 100 {
		t.Fatalf("expected head block 100, got %d", u.HeadBlock())
	}
	if u.consecutiveFailures.Load() != 0 {
		t.Fatal("expected consecutive failure count reset on success")
	}
	if u.State() != Healthy {
		t.Fatalf("expected a successful probe to mark the upstream Healthy, got %s", u.State())
	}
}

// A freshly constructed upstream starts Unhealthy; nothing but a
// successful probe should ever bring it back, since recomputeHealth
// leaves Unhealthy members untouched.
func TestUpstream_ProbeOnceRecoversFromUnhealthy(t *testing.T) {
	clock := NewFakeClock(time.Now())
	caller := &stubCaller{results: []json.RawMessage{hexBlock(200)}}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 100}, caller, clock, nil)
	if u.State() != Unhealthy {
		t.Fatalf("expected a fresh upstream to start Unhealthy, got %s", u.State())
	}

	u.probeOnce(context.Background())

	if u.State() != Healthy {
		t.Fatalf("expected probe success to recover from Unhealthy, got %s", u.State())
	}
	if u.HeadBlock() != 200 {
		t.Fatalf("expected head block 200, got %d", u.HeadBlock())
	}
}

func TestUpstream_ProbeFailureStreakGoesUnhealthyAndResetsHead(t *testing.T) {
	clock := NewFakeClock(time.Now())
	errs := make([]error, maxConsecutiveProbeFailures)
	for i := range errs {
		errs[i] = errors.New("dial failed")
	}
	caller := &stubCaller{errs: errs}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 1000}, caller, clock, nil)
	u.headBlock.Store(55)
	u.setHealth(Healthy)

	for i := 0; i < maxConsecutiveProbeFailures; i++ {
		u.probeOnce(context.Background())
	}

	if u.State() != Unhealthy {
		t.Fatalf("expected Unhealthy after %d consecutive failures, got %s", maxConsecutiveProbeFailures, u.State())
	}
	if u.HeadBlock() != 0 {
		t.Fatalf("expected head block reset to 0, got %d", u.HeadBlock())
	}
}

func TestUpstream_TryRequest_RateLimited(t *testing.T) {
	clock := NewFakeClock(time.Now())
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 1}, &stubCaller{results: []json.RawMessage{
		json.RawMessage(`"0x1"`), json.RawMessage(`"0x1"`), json.RawMessage(`"0x1"`),
	}}, clock, nil)

	// burst = 2 (hard limit 1 * burstMultiplier)
	for i := 0; i < 2; i++ {
		if _, reqErr := u.TryRequest(context.Background(), "eth_chainId", nil); reqErr != nil {
			t.Fatalf("expected admission within burst, got %v", reqErr)
		}
	}

	_, reqErr := u.TryRequest(context.Background(), "eth_chainId", nil)
	if reqErr == nil || reqErr.Reason != ReasonRateLimited {
		t.Fatalf("expected ReasonRateLimited, got %v", reqErr)
	}
}

func TestUpstream_TryRequest_TransportFailureIncrementsSoftFail(t *testing.T) {
	clock := NewFakeClock(time.Now())
	caller := &stubCaller{errs: []error{errors.New("connection refused")}}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 100}, caller, clock, nil)

	_, reqErr := u.TryRequest(context.Background(), "eth_call", nil)
	if reqErr == nil || reqErr.Reason != ReasonTransport {
		t.Fatalf("expected ReasonTransport, got %v", reqErr)
	}
	if u.SoftFailCount() != 1 {
		t.Fatalf("expected soft fail count 1, got %d", u.SoftFailCount())
	}
}

func TestUpstream_TryRequest_UpstreamErrorIncrementsSoftFail(t *testing.T) {
	clock := NewFakeClock(time.Now())
	caller := &stubCaller{rpcErrs: []*RPCError{{Code: -32000, Message: "execution reverted"}}}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 100}, caller, clock, nil)

	_, reqErr := u.TryRequest(context.Background(), "eth_call", nil)
	if reqErr == nil || reqErr.Reason != ReasonUpstreamError {
		t.Fatalf("expected ReasonUpstreamError, got %v", reqErr)
	}
	if u.SoftFailCount() != 1 {
		t.Fatalf("expected soft fail count 1, got %d", u.SoftFailCount())
	}
}

func TestUpstream_TryRequest_SuccessReturnsResult(t *testing.T) {
	clock := NewFakeClock(time.Now())
	caller := &stubCaller{results: []json.RawMessage{json.RawMessage(`"0x2a"`)}}
	u := NewUpstream(UpstreamConfig{URL: "http://a", HardLimit: 100}, caller, clock, nil)

	result, reqErr := u.TryRequest(context.Background(), "eth_chainId", nil)
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}
	if string(result) != `"0x2a"` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestParseHexUint64(t *testing.T) {
	n, err := parseHexUint64("0x2a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}

	if _, err := parseHexUint64("not-hex"); err == nil {
		t.Fatal("expected error for malformed hex")
	}
}
