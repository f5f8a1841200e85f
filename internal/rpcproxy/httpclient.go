package rpcproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Caller is the collaborator interface the core consumes to speak to an
// upstream endpoint: given a URL and a JSON-RPC body, return
// the decoded response envelope or a transport error. Production code
// uses httpCaller; tests substitute a stub.
type Caller interface {
	Call(ctx context.Context, url string, body []byte) (*Response, error)
}

// httpCaller is the default Caller, a thin POST-and-decode wrapper: a
// shared *http.Client with connect and total timeouts, JSON content-type,
// and a decoded JSON-RPC envelope.
type httpCaller struct {
	client *http.Client
}

// NewHTTPCaller builds a Caller whose transport enforces connectTimeout
// (dial) and requestTimeout (whole round trip). No defaults are applied
// here; a zero value disables that timeout (the config defaults are
// 5s / 300s).
func NewHTTPCaller(connectTimeout, requestTimeout time.Duration) Caller {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	return &httpCaller{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}
}

func (c *httpCaller) Call(ctx context.Context, url string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &envelope, nil
}
