// Package bridge multiplexes client-facing sessions onto the shared
// upstream connection and correlates asynchronous replies back to the
// callers waiting for them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/metrics"
	"github.com/mcplink/mcplink/internal/rpc"
	"github.com/mcplink/mcplink/internal/upstream"
)

// Upstream is the slice of the connector the façade depends on.
type Upstream interface {
	Ensure(ctx context.Context) error
	Post(ctx context.Context, payload []byte) error
}

// Options configures the façade.
type Options struct {
	CallTimeout time.Duration // default per-call deadline
	SessionIdle time.Duration // idle eviction threshold
	Version     string        // reported in the static initialize reply
}

// Bridge is the operation set the transport layer calls.
type Bridge struct {
	up         Upstream
	opts       Options
	correlator *Correlator
	sessions   *SessionRegistry
}

// New constructs a Bridge around the given upstream.
func New(up Upstream, opts Options) *Bridge {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 5 * time.Minute
	}
	b := &Bridge{up: up, opts: opts}
	b.correlator = NewCorrelator()
	b.sessions = NewSessionRegistry(opts.SessionIdle, b.correlator.FailSession)
	return b
}

// Sessions exposes the session registry to the transport layer.
func (b *Bridge) Sessions() *SessionRegistry { return b.sessions }

// Pending returns the number of outstanding upstream calls.
func (b *Bridge) Pending() int { return b.correlator.Outstanding() }

// OpenSession creates a client session and returns the path subsequent
// messages must be posted to.
func (b *Bridge) OpenSession(sink chan []byte) (sessionID, endpointPath string) {
	s := b.sessions.Open(sink)
	return s.ID, "/message?sessionId=" + s.ID
}

// CloseSession tears down a session and fails its pending requests.
func (b *Bridge) CloseSession(sessionID string) {
	b.sessions.Close(sessionID)
}

// HandleHandshake answers capability negotiation locally; capabilities
// are statically known, so no upstream round trip is needed.
func (b *Bridge) HandleHandshake(env *rpc.Envelope) *rpc.Envelope {
	res := mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ServerInfo:      mcp.Implementation{Name: "mcplink", Version: b.opts.Version},
	}
	// tools is the one capability the bridge forwards
	_ = json.Unmarshal([]byte(`{"tools":{}}`), &res.Capabilities)
	raw, err := json.Marshal(res)
	if err != nil {
		return rpc.ErrorEnvelope(env.ID, -32603, rpc.CodeSchema, "encode initialize result")
	}
	return &rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: raw}
}

// HandleNotification forwards a fire-and-forget message upstream.
// Failures are logged, never surfaced to the caller.
func (b *Bridge) HandleNotification(ctx context.Context, sessionID string, env *rpc.Envelope) {
	if sessionID != "" {
		b.sessions.Touch(sessionID)
	}
	if env.Method == "notifications/initialized" {
		// swallowed: the connector already initialized the upstream
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		logx.Log.Debug().Err(err).Msg("encode notification")
		return
	}
	if err := b.up.Ensure(ctx); err != nil {
		logx.Log.Warn().Err(err).Str("method", env.Method).Msg("notification dropped, upstream unavailable")
		return
	}
	if err := b.up.Post(ctx, payload); err != nil {
		logx.Log.Warn().Err(err).Str("method", env.Method).Msg("notification post failed")
	}
}

// HandleCall forwards a request upstream and awaits the correlated
// reply. Every failure path yields a well-formed error envelope
// mirroring the request id; the transport never sees a raised fault.
// An empty sessionID serves stateless callers through a transient
// session torn down when the call completes.
func (b *Bridge) HandleCall(ctx context.Context, sessionID string, env *rpc.Envelope, timeout time.Duration) *rpc.Envelope {
	if env.Method == "initialize" {
		return b.HandleHandshake(env)
	}
	if timeout <= 0 {
		timeout = b.opts.CallTimeout
	}

	if sessionID == "" {
		s := b.sessions.Open(nil)
		sessionID = s.ID
		defer b.sessions.Close(sessionID)
	} else if !b.sessions.Touch(sessionID) {
		return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeSessionNotFound, "unknown or expired session")
	}

	reply := b.dispatch(ctx, sessionID, env, timeout)
	metrics.CallObserved(env.Method, reply.Error == nil)
	return reply
}

func (b *Bridge) dispatch(ctx context.Context, sessionID string, env *rpc.Envelope, timeout time.Duration) *rpc.Envelope {
	ensureCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.up.Ensure(ensureCtx); err != nil {
		return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeProviderUnavailable, "upstream unavailable: "+err.Error())
	}

	id := rpc.IDKey(env.ID)
	ch, err := b.correlator.Register(id, sessionID)
	if err != nil {
		return rpc.ErrorEnvelope(env.ID, -32600, rpc.CodeSchema, "request id already in flight")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		b.correlator.Unregister(id)
		return rpc.ErrorEnvelope(env.ID, -32600, rpc.CodeSchema, "encode request")
	}
	if err := b.up.Post(ensureCtx, payload); err != nil {
		b.correlator.Unregister(id)
		if errors.Is(err, upstream.ErrNotReady) {
			return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeNotReady, "upstream endpoint not discovered")
		}
		return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeProviderUnavailable, "upstream post failed: "+err.Error())
	}

	select {
	case out := <-ch:
		switch {
		case out.Err == nil:
			return out.Reply
		case errors.Is(out.Err, ErrSessionClosed):
			return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeSessionNotFound, "session closed while awaiting reply")
		default:
			return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeProviderUnavailable, "upstream connection lost")
		}
	case <-time.After(timeout):
		b.correlator.Unregister(id)
		return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeTimeout, "timeout waiting for upstream reply")
	case <-ctx.Done():
		b.correlator.Unregister(id)
		return rpc.ErrorEnvelope(env.ID, -32000, rpc.CodeTimeout, "caller went away")
	}
}

// Route receives every upstream envelope from the connector's read
// loop. Replies go to their registered waiter; replies nobody is
// waiting for are dropped; id-less notifications are broadcast to all
// live sessions rather than guessed onto one.
func (b *Bridge) Route(env *rpc.Envelope) {
	if env.IsReply() {
		if !b.correlator.Resolve(rpc.IDKey(env.ID), env) {
			metrics.FrameDropped()
			logx.Log.Debug().Str("id", rpc.IDKey(env.ID)).Msg("dropping reply with no waiter")
		}
		return
	}
	if env.IsNotification() {
		payload, err := json.Marshal(env)
		if err != nil {
			return
		}
		n := b.sessions.Broadcast(payload)
		logx.Log.Debug().Str("method", env.Method).Int("sessions", n).Msg("broadcast upstream notification")
		return
	}
	// a server-initiated request cannot be attributed to one session
	metrics.FrameDropped()
	logx.Log.Warn().Str("method", env.Method).Msg("dropping unroutable server-initiated request")
}

// ConnectionLost resolves every pending request with a connection-lost
// outcome. The connector calls it once per terminated connection.
func (b *Bridge) ConnectionLost(err error) {
	if n := b.correlator.Outstanding(); n > 0 {
		logx.Log.Warn().Err(err).Int("pending", n).Msg("failing pending requests, upstream down")
	}
	b.correlator.FailAll()
}

// Shutdown closes all sessions and fails anything still pending.
func (b *Bridge) Shutdown() {
	b.sessions.CloseAll()
	b.correlator.FailAll()
}
