package api

import (
	"encoding/json"
	"testing"
)

func TestRpcRequestBody_ToCore_DefaultsEmptyParams(t *testing.T) {
	body := rpcRequestBody{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "eth_chainId"}
	req := body.toCore()
	if string(req.Params) != "[]" {
		t.Fatalf("expected default params '[]', got %s", req.Params)
	}
}

func TestRpcRequestBody_ToCore_PreservesGivenParams(t *testing.T) {
	body := rpcRequestBody{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "eth_getBalance", Params: json.RawMessage(`["0xabc","latest"]`)}
	req := body.toCore()
	if string(req.Params) != `["0xabc","latest"]` {
		t.Fatalf("unexpected params: %s", req.Params)
	}
	if req.Method != "eth_getBalance" {
		t.Fatalf("unexpected method: %s", req.Method)
	}
}
