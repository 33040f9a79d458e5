package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Version is the JSON-RPC protocol version spoken on both legs of the bridge.
const Version = "2.0"

// Envelope is a JSON-RPC 2.0 message. Params, Result and Error are kept raw
// so payloads pass through the bridge untouched.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsNotification reports whether the envelope carries no id.
func (e *Envelope) IsNotification() bool {
	return len(e.ID) == 0 || string(e.ID) == "null"
}

// IsReply reports whether the envelope is a response rather than a request.
func (e *Envelope) IsReply() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// IDKey canonicalises a raw JSON-RPC id for use as a correlation map key.
// String ids and their numeric equivalents stay distinct ("7" vs 7).
func IDKey(id json.RawMessage) string {
	return string(id)
}

// Parse decodes and validates a JSON-RPC 2.0 envelope.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", env.JSONRPC)
	}
	if env.Method == "" && env.Result == nil && env.Error == nil {
		return nil, fmt.Errorf("envelope has neither method nor result")
	}
	return &env, nil
}

// Canonical bridge error codes surfaced in error.data.mcp.
const (
	CodeProviderUnavailable = "MCP_PROVIDER_UNAVAILABLE"
	CodeNotReady            = "MCP_NOT_READY"
	CodeTimeout             = "MCP_TIMEOUT"
	CodeSessionNotFound     = "MCP_SESSION_NOT_FOUND"
	CodeUpstreamError       = "MCP_UPSTREAM_ERROR"
	CodeSchema              = "MCP_SCHEMA_ERROR"
)

// ErrorEnvelope builds a well-formed error reply mirroring the request id.
func ErrorEnvelope(id json.RawMessage, code int, mcpCode, msg string) *Envelope {
	data, _ := json.Marshal(map[string]string{"mcp": mcpCode})
	return &Envelope{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: msg, Data: data},
	}
}

// WriteError writes a JSON-RPC error envelope with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, id json.RawMessage, code int, mcpCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope(id, code, mcpCode, msg))
}

// WriteReply writes a reply envelope as a plain JSON response.
func WriteReply(w http.ResponseWriter, env *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}
