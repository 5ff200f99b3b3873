package session

import (
	"sync"
	"time"

	"github.com/sandbay/sandbay/pkg/runtime"
)

// Sink receives the events of one terminal session. The web layer
// implements it on top of whatever socket it speaks to the browser.
type Sink interface {
	// Output delivers process output. The slice is owned by the callee.
	Output(p []byte)

	// Exit reports the process exit code after a clean end-of-stream.
	Exit(code int)

	// Error reports a session fault (read failure, input failure).
	Error(message string)

	// Superseded tells the connection its session was evicted by a
	// newer one for the same container.
	Superseded()
}

// Terminal is one live interactive session. Transient and in-memory
// only; destroyed on end-of-stream, error, eviction or disconnect.
type Terminal struct {
	ConnectionID string
	ContainerID  uint64
	ExecID       string

	stream runtime.ExecStream
	sink   Sink
	reg    *Registry

	closeOnce sync.Once

	mu           sync.Mutex
	closed       bool
	lastActivity time.Time
}

// LastActivity returns the time of the last input or output.
func (t *Terminal) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Terminal) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// markClosed flags the terminal as deliberately shut down so the read
// pump suppresses the error event its unblocked Read produces.
func (t *Terminal) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Terminal) wasClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// cleanup deregisters the terminal and closes its stream. Exactly one
// execution no matter which exit path triggers it first.
func (t *Terminal) cleanup() {
	t.closeOnce.Do(func() {
		t.reg.remove(t)
		t.stream.Close()
	})
}

// Registry is the process-wide table of live terminal sessions, indexed
// by connection id and by container id. The container index is what
// enforces at-most-one-live-terminal-per-container.
type Registry struct {
	mu          sync.Mutex
	byConn      map[string]*Terminal
	byContainer map[uint64]*Terminal
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:      make(map[string]*Terminal),
		byContainer: make(map[uint64]*Terminal),
	}
}

// put registers a terminal under both indices.
func (r *Registry) put(t *Terminal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[t.ConnectionID] = t
	r.byContainer[t.ContainerID] = t
}

// getByConn returns the terminal owned by a connection, or nil.
func (r *Registry) getByConn(connID string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connID]
}

// takeByContainer removes and returns the terminal for a container.
func (r *Registry) takeByContainer(containerID uint64) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.byContainer[containerID]
	if t != nil {
		r.detach(t)
	}
	return t
}

// takeByConn removes and returns the terminal for a connection.
func (r *Registry) takeByConn(connID string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.byConn[connID]
	if t != nil {
		r.detach(t)
	}
	return t
}

// remove drops a terminal from the indices, but only where the entry
// still is that terminal; a successor session must not be displaced by
// its predecessor's late cleanup.
func (r *Registry) remove(t *Terminal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detach(t)
}

func (r *Registry) detach(t *Terminal) {
	if r.byConn[t.ConnectionID] == t {
		delete(r.byConn, t.ConnectionID)
	}
	if r.byContainer[t.ContainerID] == t {
		delete(r.byContainer, t.ContainerID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
