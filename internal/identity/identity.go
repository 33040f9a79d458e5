// Package identity extracts caller identity from inbound requests and
// stamps it into tool-call arguments before they are forwarded, so a
// caller can never claim an identity its credentials do not carry.
package identity

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Extractor resolves an optional caller identity from a request.
type Extractor interface {
	Identity(r *http.Request) (string, bool)
}

// BearerExtractor maps Authorization bearer tokens to identities.
type BearerExtractor struct {
	Tokens map[string]string // token -> identity
}

// Identity implements Extractor.
func (e *BearerExtractor) Identity(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	id, ok := e.Tokens[strings.TrimPrefix(auth, "Bearer ")]
	return id, ok
}

// APIKeyExtractor maps X-Api-Key header values to identities.
type APIKeyExtractor struct {
	Keys map[string]string // key -> identity
}

// Identity implements Extractor.
func (e *APIKeyExtractor) Identity(r *http.Request) (string, bool) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		return "", false
	}
	id, ok := e.Keys[key]
	return id, ok
}

// Chain tries extractors in order and returns the first match.
type Chain []Extractor

// Identity implements Extractor.
func (c Chain) Identity(r *http.Request) (string, bool) {
	for _, e := range c {
		if id, ok := e.Identity(r); ok {
			return id, true
		}
	}
	return "", false
}

// InjectCallerID overwrites the caller_id argument inside tools/call
// params with the verified identity, discarding any caller-supplied
// value. Params without an arguments object gain one.
func InjectCallerID(params json.RawMessage, callerID string) (json.RawMessage, error) {
	var p map[string]json.RawMessage
	if len(params) == 0 {
		p = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	var args map[string]json.RawMessage
	if raw, ok := p["arguments"]; ok {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}
	if args == nil {
		args = map[string]json.RawMessage{}
	}
	idRaw, err := json.Marshal(callerID)
	if err != nil {
		return nil, err
	}
	args["caller_id"] = idRaw
	argsRaw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	p["arguments"] = argsRaw
	return json.Marshal(p)
}
