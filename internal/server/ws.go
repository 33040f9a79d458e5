package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/rpc"
)

// handleWS serves a bidirectional websocket session. Each text frame
// from the client is a JSON-RPC envelope; replies and pushed upstream
// messages travel back as text frames on the same connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	sink := make(chan []byte, 64)
	sid, _ := s.bridge.OpenSession(sink)
	logx.Log.Info().Str("session", sid).Msg("websocket session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.bridge.CloseSession(sid)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	go s.wsWriteLoop(ctx, cancel, conn, sink)
	go s.wsPingLoop(ctx, cancel, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logx.Log.Info().Str("session", sid).Msg("websocket session closed")
			return
		}
		env, err := rpc.Parse(data)
		if err != nil {
			s.pushEnvelope(sid, rpc.ErrorEnvelope(nil, -32600, rpc.CodeSchema, "invalid json-rpc envelope"))
			continue
		}
		if env.IsNotification() {
			s.bridge.HandleNotification(ctx, sid, env)
			continue
		}
		s.injectIdentity(r, env)
		go func(env *rpc.Envelope) {
			s.pushEnvelope(sid, s.bridge.HandleCall(ctx, sid, env, s.cfg.CallTimeout))
		}(env)
	}
}

func (s *Server) pushEnvelope(sid string, env *rpc.Envelope) {
	if env == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.bridge.Sessions().Deliver(sid, payload)
}

func (s *Server) wsWriteLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sink chan []byte) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-sink:
			if !open {
				// evicted by the idle sweep
				_ = conn.Close(websocket.StatusGoingAway, "session expired")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
