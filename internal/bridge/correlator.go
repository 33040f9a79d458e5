package bridge

import (
	"errors"
	"sync"

	"github.com/mcplink/mcplink/internal/rpc"
)

// ErrDuplicateID indicates a waiter is already registered for the id.
var ErrDuplicateID = errors.New("request id already pending")

// ErrConnectionLost indicates the upstream connection died while the
// request was outstanding.
var ErrConnectionLost = errors.New("upstream connection lost")

// ErrSessionClosed indicates the owning session was torn down while the
// request was outstanding.
var ErrSessionClosed = errors.New("session closed")

// Outcome is the single resolution of a pending request: a reply
// envelope or a terminal error, never both.
type Outcome struct {
	Reply *rpc.Envelope
	Err   error
}

type waiter struct {
	ch      chan Outcome
	session string
}

// Correlator maps outstanding request ids to waiting callers.
// Correlation is purely by id; arrival order carries no meaning.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]waiter
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]waiter)}
}

// Register creates a waiter for the given id scoped to a session.
// The returned channel receives exactly one Outcome unless the caller
// unregisters first.
func (c *Correlator) Register(id, sessionID string) (<-chan Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateID
	}
	w := waiter{ch: make(chan Outcome, 1), session: sessionID}
	c.pending[id] = w
	return w.ch, nil
}

// Unregister removes a waiter without resolving it. Safe to call after
// the waiter was already resolved or removed.
func (c *Correlator) Unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Resolve delivers a reply to the waiter for its id. It reports whether
// a waiter existed; a reply for an unknown id is the caller's cue to
// drop it.
func (c *Correlator) Resolve(id string, env *rpc.Envelope) bool {
	c.mu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- Outcome{Reply: env}
	return true
}

// FailSession resolves every request scoped to the session with
// ErrSessionClosed.
func (c *Correlator) FailSession(sessionID string) {
	c.fail(func(w waiter) bool { return w.session == sessionID }, ErrSessionClosed)
}

// FailAll resolves every outstanding request with ErrConnectionLost.
func (c *Correlator) FailAll() {
	c.fail(func(waiter) bool { return true }, ErrConnectionLost)
}

func (c *Correlator) fail(match func(waiter) bool, err error) {
	c.mu.Lock()
	var failed []waiter
	for id, w := range c.pending {
		if match(w) {
			delete(c.pending, id)
			failed = append(failed, w)
		}
	}
	c.mu.Unlock()
	for _, w := range failed {
		w.ch <- Outcome{Err: err}
	}
}

// Outstanding returns the number of pending requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
