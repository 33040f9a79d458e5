package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/metrics"
)

// Session is one logical client-facing channel. A session without a
// sink still carries correlated replies as direct responses.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	sink     chan []byte
	closed   bool
}

// LastSeen returns the last activity timestamp.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// HasSink reports whether the session has an attached output stream.
func (s *Session) HasSink() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// push delivers to the sink without blocking. It never panics on a
// closed session; late deliveries are silently dropped.
func (s *Session) push(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sink == nil {
		return false
	}
	select {
	case s.sink <- payload:
		return true
	default:
		logx.Log.Warn().Str("session", s.ID).Msg("session sink full, dropping message")
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.sink != nil {
		close(s.sink)
	}
}

// SessionInfo is a read-only snapshot row for the status endpoint.
type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	Streaming bool      `json:"streaming"`
}

// SessionRegistry tracks live client sessions and evicts idle ones.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
	onClose  func(sessionID string)
	cron     *cron.Cron
}

// NewSessionRegistry constructs a registry. onClose runs after a
// session is removed, with the registry lock released.
func NewSessionRegistry(idle time.Duration, onClose func(string)) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		idle:     idle,
		onClose:  onClose,
	}
}

// StartSweep schedules the idle sweep at the given interval and returns
// a stop function.
func (r *SessionRegistry) StartSweep(every time.Duration) func() {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if n := r.Sweep(); n > 0 {
			logx.Log.Info().Int("evicted", n).Msg("idle session sweep")
		}
	})
	if err != nil {
		logx.Log.Error().Err(err).Msg("schedule session sweep")
		return func() {}
	}
	c.Start()
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return func() { c.Stop() }
}

// Open creates a session. sink may be nil for request/response callers.
// Ids are opaque and never reused.
func (r *SessionRegistry) Open(sink chan []byte) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		lastSeen:  time.Now(),
		sink:      sink,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	metrics.SessionOpened()
	return s
}

// Get returns the session for id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch refreshes the session's activity timestamp.
func (r *SessionRegistry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.touch()
	return true
}

// Deliver pushes a payload to the session's sink if it is still open.
// Unknown or closed sessions are a silent no-op.
func (r *SessionRegistry) Deliver(id string, payload []byte) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.push(payload)
}

// Broadcast pushes a payload to every live streaming session.
func (r *SessionRegistry) Broadcast(payload []byte) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if s.push(payload) {
			n++
		}
	}
	return n
}

// Close removes and closes a session, then fails its pending requests.
func (r *SessionRegistry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	metrics.SessionClosed()
	if r.onClose != nil {
		r.onClose(id)
	}
}

// Sweep evicts sessions idle beyond the threshold and returns how many
// were removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if time.Since(s.LastSeen()) > r.idle {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()
	for _, s := range expired {
		s.close()
		metrics.SessionClosed()
		metrics.SessionEvicted()
		logx.Log.Info().Str("session", s.ID).Msg("evicting idle session")
		if r.onClose != nil {
			r.onClose(s.ID)
		}
	}
	return len(expired)
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns a point-in-time view of all sessions.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			LastSeen:  s.LastSeen(),
			Streaming: s.HasSink(),
		})
	}
	return out
}

// CloseAll tears down every session, for process shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}
