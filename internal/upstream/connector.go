// Package upstream owns the single live connection to the backend MCP
// service: the hanging SSE stream, the endpoint discovery handshake and
// the posting channel derived from it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/metrics"
	"github.com/mcplink/mcplink/internal/rpc"
	"github.com/mcplink/mcplink/internal/sse"
)

// ErrNotReady indicates a post was attempted before endpoint discovery
// completed within the bounded wait.
var ErrNotReady = errors.New("upstream not ready")

// ErrClosed indicates the connector was shut down.
var ErrClosed = errors.New("upstream closed")

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingEndpoint
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingEndpoint:
		return "awaiting_endpoint"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Options configures a Connector.
type Options struct {
	BaseURL          string        // upstream SSE endpoint
	Token            string        // optional bearer token
	ClientVersion    string        // reported in the initialize handshake
	HandshakeTimeout time.Duration // endpoint discovery + initialize bound
	ReadyWait        time.Duration // how long Post may wait for readiness
	HTTPClient       *http.Client

	// OnMessage receives every decoded upstream envelope, in emit order,
	// except the connector's own handshake reply.
	OnMessage func(*rpc.Envelope)
	// OnDown is invoked once per connection when the stream terminates.
	OnDown func(error)
}

// Connector maintains at most one live upstream connection. Concurrent
// Ensure callers during an in-flight connect all join the same attempt.
type Connector struct {
	opts   Options
	base   *url.URL
	client *http.Client

	mu       sync.Mutex
	state    State
	gen      uint64 // incremented per connect; guards stale teardowns
	endpoint *url.URL
	attempt  chan struct{} // non-nil while a connect is in flight
	lastErr  error
	readyCh  chan struct{} // closed once the posting endpoint is known
	cancel   context.CancelFunc
	closed   bool

	hsID string
	hsCh chan *rpc.Envelope
}

// New constructs a Connector. It does not dial; the first Ensure does.
func New(opts Options) (*Connector, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ReadyWait <= 0 {
		opts.ReadyWait = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Connector{
		opts:    opts,
		base:    base,
		client:  opts.HTTPClient,
		readyCh: make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the discovered posting endpoint, or "" before Ready.
func (c *Connector) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint == nil {
		return ""
	}
	return c.endpoint.String()
}

// Ensure establishes the upstream connection if none is live and blocks
// until the handshake completes or fails. It is safe to call from any
// number of goroutines; only one connect attempt is ever in flight.
func (c *Connector) Ensure(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.attempt == nil {
		c.attempt = make(chan struct{})
		c.state = StateConnecting
		go c.connect(c.attempt)
	}
	attempt := c.attempt
	c.mu.Unlock()

	select {
	case <-attempt:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		return nil
	}
	if c.lastErr != nil {
		return c.lastErr
	}
	return ErrNotReady
}

// Post sends a JSON-RPC payload to the discovered endpoint, waiting a
// bounded time for readiness first. It never invents a posting URL.
func (c *Connector) Post(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	ready := c.readyCh
	c.mu.Unlock()

	select {
	case <-ready:
	case <-time.After(c.opts.ReadyWait):
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.endpoint == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	endpoint := c.endpoint.String()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream post status %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close tears down the connection. A closed connector stays closed.
func (c *Connector) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// connect runs one connection attempt: dial the stream, await the
// endpoint event, perform the initialize handshake. The attempt channel
// is closed exactly once, after success or failure.
func (c *Connector) connect(attempt chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	hsCh := make(chan *rpc.Envelope, 1)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.lastErr = nil
	c.hsID = ""
	c.hsCh = hsCh
	c.mu.Unlock()

	fail := func(err error) {
		cancel()
		c.mu.Lock()
		if c.gen == gen {
			c.lastErr = err
			c.teardownLocked()
		}
		c.mu.Unlock()
		metrics.UpstreamConnect(false)
		logx.Log.Warn().Err(err).Str("url", c.opts.BaseURL).Msg("upstream connect failed")
		close(attempt)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL, nil)
	if err != nil {
		fail(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		fail(err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		fail(fmt.Errorf("upstream stream status %s: %s", resp.Status, bytes.TrimSpace(body)))
		return
	}

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateAwaitingEndpoint
	}
	c.mu.Unlock()

	endpointCh := make(chan *url.URL, 1)
	go c.readLoop(ctx, gen, resp.Body, endpointCh)

	select {
	case ep := <-endpointCh:
		c.mu.Lock()
		stale := c.gen != gen || c.state != StateAwaitingEndpoint
		if !stale {
			c.endpoint = ep
			c.state = StateReady
			close(c.readyCh)
		}
		c.mu.Unlock()
		if stale {
			fail(fmt.Errorf("connection lost during discovery"))
			return
		}
	case <-time.After(c.opts.HandshakeTimeout):
		fail(fmt.Errorf("timeout waiting for endpoint event"))
		return
	case <-ctx.Done():
		fail(ctx.Err())
		return
	}

	if err := c.handshake(ctx, hsCh); err != nil {
		fail(fmt.Errorf("initialize handshake: %w", err))
		return
	}
	metrics.UpstreamConnect(true)
	logx.Log.Info().Str("endpoint", c.Endpoint()).Msg("upstream connected")
	close(attempt)
}

// readLoop consumes the SSE stream until it ends, routing each decoded
// envelope. It owns the Disconnected transition.
func (c *Connector) readLoop(ctx context.Context, gen uint64, body io.ReadCloser, endpointCh chan<- *url.URL) {
	dec := sse.NewDecoder(func(ev sse.Event) {
		switch ev.Name {
		case "endpoint":
			ref, err := url.Parse(string(bytes.TrimSpace(ev.Data)))
			if err != nil {
				logx.Log.Warn().Err(err).Msg("bad endpoint event")
				return
			}
			select {
			case endpointCh <- c.base.ResolveReference(ref):
			default:
			}
		case sse.DefaultEvent:
			env, err := rpc.Parse(ev.Data)
			if err != nil {
				metrics.FrameDropped()
				logx.Log.Debug().Err(err).Msg("dropping malformed upstream frame")
				return
			}
			c.route(env)
		default:
			logx.Log.Debug().Str("event", ev.Name).Msg("ignoring upstream event")
		}
	})

	_, err := io.Copy(dec, body)
	_ = body.Close()
	if err == nil {
		err = io.EOF
	}
	if ctx.Err() != nil {
		err = ErrClosed
	}

	c.mu.Lock()
	wasReady := c.state == StateReady
	if c.gen == gen {
		c.teardownLocked()
	}
	c.mu.Unlock()
	if wasReady {
		logx.Log.Warn().Err(err).Msg("upstream stream terminated")
	}
	if c.opts.OnDown != nil {
		c.opts.OnDown(err)
	}
}

// route hands an envelope to the router, intercepting the reply to the
// connector's own handshake call.
func (c *Connector) route(env *rpc.Envelope) {
	c.mu.Lock()
	hs := c.hsID != "" && len(env.ID) > 0 && rpc.IDKey(env.ID) == c.hsID
	hsCh := c.hsCh
	c.mu.Unlock()
	if hs {
		select {
		case hsCh <- env:
		default:
		}
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(env)
	}
}

// handshake posts the initialize request as the connection's first post
// and awaits the correlated reply on the stream.
func (c *Connector) handshake(ctx context.Context, hsCh <-chan *rpc.Envelope) error {
	rawID := json.RawMessage(strconv.Quote(uuid.NewString()))
	c.mu.Lock()
	c.hsID = rpc.IDKey(rawID)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.hsID = ""
		c.mu.Unlock()
	}()

	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	}{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: "mcplink", Version: c.opts.ClientVersion},
		Capabilities:    mcp.ClientCapabilities{},
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	env := rpc.Envelope{
		JSONRPC: rpc.Version,
		ID:      rawID,
		Method:  "initialize",
		Params:  rawParams,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	postCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.Post(postCtx, payload); err != nil {
		return err
	}

	select {
	case reply := <-hsCh:
		if reply.Error != nil {
			return fmt.Errorf("upstream rejected initialize: %s", reply.Error.Message)
		}
	case <-time.After(c.opts.HandshakeTimeout):
		return fmt.Errorf("timeout waiting for initialize reply")
	case <-ctx.Done():
		return ctx.Err()
	}

	// best effort notification
	note, _ := json.Marshal(rpc.Envelope{JSONRPC: rpc.Version, Method: "notifications/initialized"})
	noteCtx, cancelNote := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancelNote()
	if err := c.Post(noteCtx, note); err != nil {
		logx.Log.Debug().Err(err).Msg("initialized notification failed")
	}
	return nil
}

// teardownLocked resets connection state so the next Ensure redials.
// Callers hold c.mu.
func (c *Connector) teardownLocked() {
	if c.state == StateReady {
		// replace the closed ready gate
		c.readyCh = make(chan struct{})
	}
	c.state = StateDisconnected
	c.endpoint = nil
	c.attempt = nil
	c.hsID = ""
}
