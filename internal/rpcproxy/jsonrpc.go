package rpcproxy

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Request is the accepted JSON-RPC payload.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the JSON-RPC success/error response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ErrInternal is the JSON-RPC error code used for internal/upstream
// failures surfaced to the client.
const ErrInternal = -32603

// newErrorResponse builds an internal-error envelope carrying id.
func newErrorResponse(id json.RawMessage, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: ErrInternal, Message: message},
	}
}

// newResultResponse builds a success envelope carrying id and result.
func newResultResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// withID returns a shallow copy of resp with its ID field replaced. Used
// to substitute the requesting client's id into a cached response.
func (resp *Response) withID(id json.RawMessage) *Response {
	clone := *resp
	clone.ID = id
	return &clone
}

// CanonicalParams renders params as a stable, whitespace-free JSON string
// so that equivalent requests (differing only in object key order or
// insignificant whitespace) produce the same cache key.
func CanonicalParams(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "[]", nil
	}

	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := canonicalEncode(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// canonicalEncode writes v to buf with map keys sorted lexically and no
// insignificant whitespace, recursively.
func canonicalEncode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := canonicalEncode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
