package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rpcmesh/ethproxy/internal/rpcproxy"
)

// handleRPC decodes one JSON-RPC request and forwards it to the routing
// core. The HTTP contract: always 200 with a JSON body;
// JSON-RPC errors live in the body, not the HTTP status. Malformed
// request bodies are rejected here, before reaching the core.
func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON-RPC request: " + err.Error()})
		return
	}
	if req.JSONRPC != "2.0" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jsonrpc must be \"2.0\""})
		return
	}
	if req.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method must be non-empty"})
		return
	}

	resp := s.router.Route(c.Request.Context(), req.toCore())
	c.JSON(http.StatusOK, resp)
}

// rpcRequestBody mirrors rpcproxy.Request for gin binding; params default
// to an empty array when omitted.
type rpcRequestBody struct {
	JSONRPC string          `json:"jsonrpc" binding:"required"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method" binding:"required"`
	Params  json.RawMessage `json:"params"`
}

func (r rpcRequestBody) toCore() *rpcproxy.Request {
	params := r.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	return &rpcproxy.Request{JSONRPC: r.JSONRPC, ID: r.ID, Method: r.Method, Params: params}
}

// handleHealthz is a liveness probe; it never consults the core.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports routing-core head-block/sync state: an
// administrative status endpoint explicitly placed out of core scope,
// covering what an accounting/billing status surface would otherwise
// need.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"synced":     s.router.Synced(),
		"head_block": s.router.HeadBlock(),
		"tiers":      s.router.TierStatuses(),
	})
}
