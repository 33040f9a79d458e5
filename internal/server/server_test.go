package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcplink/mcplink/internal/bridge"
	"github.com/mcplink/mcplink/internal/config"
	"github.com/mcplink/mcplink/internal/identity"
	"github.com/mcplink/mcplink/internal/rpc"
	"github.com/mcplink/mcplink/internal/upstream"
)

// echoUpstream answers every posted request with {"ok":true} by routing
// a reply back through the bridge, mimicking a live backend.
type echoUpstream struct {
	mu    sync.Mutex
	b     *bridge.Bridge
	posts [][]byte
}

func (f *echoUpstream) Ensure(ctx context.Context) error { return nil }

func (f *echoUpstream) Post(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	f.posts = append(f.posts, append([]byte(nil), payload...))
	f.mu.Unlock()
	var env rpc.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	go f.b.Route(&rpc.Envelope{JSONRPC: rpc.Version, ID: env.ID, Result: json.RawMessage(`{"ok":true}`)})
	return nil
}

func (f *echoUpstream) lastPost() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		return nil
	}
	return f.posts[len(f.posts)-1]
}

func testConfig() config.ServerConfig {
	var cfg config.ServerConfig
	cfg.ApplyEnv()
	cfg.CallTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg config.ServerConfig, ident identity.Extractor) (*httptest.Server, *echoUpstream) {
	t.Helper()
	fu := &echoUpstream{}
	b := bridge.New(fu, bridge.Options{CallTimeout: cfg.CallTimeout, SessionIdle: time.Minute, Version: "test"})
	fu.b = b
	conn, err := upstream.New(upstream.Options{BaseURL: "http://127.0.0.1:1/sse"})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	srv := httptest.NewServer(New(b, conn, cfg, ident, "test"))
	t.Cleanup(srv.Close)
	t.Cleanup(b.Shutdown)
	return srv, fu
}

func TestSSEEmitsEndpointEvent(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "event:") {
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if name != "endpoint" {
		t.Fatalf("first event %q, want endpoint", name)
	}
	if !strings.HasPrefix(data, "/message?sessionId=") {
		t.Fatalf("endpoint data %q", data)
	}
}

func TestMessageRoundTripOverStream(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	path := readEvent(t, sc, "endpoint")

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	post, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("post status %d", post.StatusCode)
	}

	reply := readEvent(t, sc, "message")
	var env rpc.Envelope
	if err := json.Unmarshal([]byte(reply), &env); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if string(env.ID) != "1" || !bytes.Equal(env.Result, []byte(`{"ok":true}`)) {
		t.Fatalf("unexpected reply %s", reply)
	}
}

// readEvent scans the stream until it sees the named event, skipping
// keep-alive comments, and returns its data line.
func readEvent(t *testing.T, sc *bufio.Scanner, want string) string {
	t.Helper()
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == want {
				return data
			}
			name, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	t.Fatalf("stream ended before %q event: %v", want, sc.Err())
	return ""
}

func TestMessageUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	resp, err := http.Post(srv.URL+"/message?sessionId=nope", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
	var env rpc.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || !strings.Contains(string(env.Error.Data), rpc.CodeSessionNotFound) {
		t.Fatalf("expected %s error, got %+v", rpc.CodeSessionNotFound, env.Error)
	}
}

func TestRPCRejectsMalformedEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	for _, body := range []string{"not json", `{"jsonrpc":"1.0","id":1,"method":"x"}`, `{"jsonrpc":"2.0","id":1}`} {
		resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestRPCStatelessCall(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	body := `{"jsonrpc":"2.0","id":"a1","method":"tools/list"}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var env rpc.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(env.ID) != `"a1"` || !bytes.Equal(env.Result, []byte(`{"ok":true}`)) {
		t.Fatalf("unexpected reply %+v", env)
	}
}

func TestRPCInitializeAnsweredLocally(t *testing.T) {
	srv, fu := newTestServer(t, testConfig(), nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env rpc.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Result == nil {
		t.Fatalf("expected a result, got %+v", env)
	}
	if got := fu.lastPost(); got != nil {
		t.Fatalf("initialize must not reach upstream, posted %s", got)
	}
}

func TestCallerIdentityInjected(t *testing.T) {
	ident := &identity.BearerExtractor{Tokens: map[string]string{"tok-1": "alice"}}
	srv, fu := newTestServer(t, testConfig(), ident)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"caller_id":"mallory"}}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()

	posted := fu.lastPost()
	if posted == nil {
		t.Fatalf("nothing reached upstream")
	}
	var env rpc.Envelope
	if err := json.Unmarshal(posted, &env); err != nil {
		t.Fatalf("decode posted: %v", err)
	}
	var params struct {
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Arguments["caller_id"] != "alice" {
		t.Fatalf("caller_id = %q, want alice", params.Arguments["caller_id"])
	}
}

func TestAPIKeyGuard(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	srv, _ := newTestServer(t, cfg, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	req.Header.Set("X-Api-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d, want 200", resp.StatusCode)
	}

	// health stays open
	hr, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", hr.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var st statusReply
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Version != "test" {
		t.Fatalf("version %q", st.Version)
	}
	if st.Upstream != "disconnected" {
		t.Fatalf("upstream state %q", st.Upstream)
	}
}

func TestNotificationAcceptedWithoutReply(t *testing.T) {
	srv, fu := newTestServer(t, testConfig(), nil)

	body := `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	deadline := time.Now().Add(time.Second)
	for fu.lastPost() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("notification never forwarded upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
