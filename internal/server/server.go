// Package server is the HTTP edge of the bridge: the client-facing SSE
// stream, the message posting endpoints and the operational surface.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mcplink/mcplink/internal/bridge"
	"github.com/mcplink/mcplink/internal/config"
	"github.com/mcplink/mcplink/internal/identity"
	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/rpc"
	"github.com/mcplink/mcplink/internal/sse"
	"github.com/mcplink/mcplink/internal/upstream"
)

// Server wires the bridge façade to HTTP.
type Server struct {
	bridge    *bridge.Bridge
	connector *upstream.Connector
	cfg       config.ServerConfig
	ident     identity.Extractor
	version   string
	started   time.Time
}

// New constructs the HTTP handler for the bridge.
func New(b *bridge.Bridge, conn *upstream.Connector, cfg config.ServerConfig, ident identity.Extractor, version string) http.Handler {
	s := &Server{
		bridge:    b,
		connector: conn,
		cfg:       cfg,
		ident:     ident,
		version:   version,
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(requireAPIKey(cfg.APIKey))
		}
		r.Get("/sse", s.handleSSE)
		r.Post("/message", s.handleMessage)
		r.Post("/rpc", s.handleRPC)
		r.Get("/ws", s.handleWS)
	})
	return r
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+key && r.Header.Get("X-Api-Key") != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleSSE opens a streaming client session: an endpoint event telling
// the caller where to post, then pushed messages and keep-alives until
// the client goes away or the session is evicted.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := make(chan []byte, 64)
	sid, path := s.bridge.OpenSession(sink)
	logx.Log.Info().Str("session", sid).Msg("client session opened")
	if _, err := sse.WriteEvent(w, sse.Event{Name: "endpoint", Data: []byte(path)}); err != nil {
		s.bridge.CloseSession(sid)
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.bridge.CloseSession(sid)
			logx.Log.Info().Str("session", sid).Msg("client session closed")
			return
		case <-keepalive.C:
			if _, err := sse.WriteComment(w, "keep-alive"); err != nil {
				s.bridge.CloseSession(sid)
				return
			}
		case msg, open := <-sink:
			if !open {
				// evicted by the idle sweep
				return
			}
			if _, err := sse.WriteEvent(w, sse.Event{Name: "message", Data: msg}); err != nil {
				s.bridge.CloseSession(sid)
				return
			}
		}
	}
}

// handleMessage accepts a JSON-RPC envelope posted against a session.
// Replies for streaming sessions go down the session's event stream;
// sink-less sessions get the reply in the response body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		rpc.WriteError(w, http.StatusBadRequest, nil, -32600, rpc.CodeSessionNotFound, "sessionId is required")
		return
	}
	sess, ok := s.bridge.Sessions().Get(sid)
	if !ok {
		rpc.WriteError(w, http.StatusNotFound, nil, -32000, rpc.CodeSessionNotFound, "unknown or expired session")
		return
	}
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if env.IsNotification() {
		s.bridge.HandleNotification(r.Context(), sid, env)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.injectIdentity(r, env)

	reply := s.bridge.HandleCall(r.Context(), sid, env, s.cfg.CallTimeout)
	if sess.HasSink() {
		payload, err := json.Marshal(reply)
		if err == nil && s.bridge.Sessions().Deliver(sid, payload) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	rpc.WriteReply(w, reply)
}

// handleRPC serves stateless request/response callers that never open
// a stream; the bridge runs each call in a transient session.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if env.IsNotification() {
		s.bridge.HandleNotification(r.Context(), "", env)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.injectIdentity(r, env)
	rpc.WriteReply(w, s.bridge.HandleCall(r.Context(), "", env, s.cfg.CallTimeout))
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (*rpc.Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() { _ = r.Body.Close() }()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		rpc.WriteError(w, http.StatusBadRequest, nil, -32600, rpc.CodeSchema, "read body: "+err.Error())
		return nil, false
	}
	env, err := rpc.Parse(buf)
	if err != nil {
		rpc.WriteError(w, http.StatusBadRequest, nil, -32600, rpc.CodeSchema, "invalid json-rpc envelope")
		return nil, false
	}
	return env, true
}

// injectIdentity stamps the verified caller identity into tool-call
// arguments, overriding anything the caller supplied.
func (s *Server) injectIdentity(r *http.Request, env *rpc.Envelope) {
	if s.ident == nil || env.Method != "tools/call" {
		return
	}
	id, ok := s.ident.Identity(r)
	if !ok {
		return
	}
	params, err := identity.InjectCallerID(env.Params, id)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("caller id injection failed")
		return
	}
	env.Params = params
}

type statusReply struct {
	Version    string               `json:"version"`
	UptimeSecs int64                `json:"uptime_secs"`
	Upstream   string               `json:"upstream"`
	Endpoint   string               `json:"endpoint,omitempty"`
	Sessions   []bridge.SessionInfo `json:"sessions"`
	Pending    int                  `json:"pending"`
	RSSBytes   uint64               `json:"rss_bytes,omitempty"`
	CPUPercent float64              `json:"cpu_percent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := statusReply{
		Version:    s.version,
		UptimeSecs: int64(time.Since(s.started).Seconds()),
		Upstream:   s.connector.State().String(),
		Endpoint:   s.connector.Endpoint(),
		Sessions:   s.bridge.Sessions().Snapshot(),
		Pending:    s.bridge.Pending(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			reply.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			reply.CPUPercent = cpu
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}
