package keystore

import "sync"

// sessionState tracks where a session is in its begin/update/finish
// lifecycle. Terminal sessions are removed from the table rather than
// kept in a terminal state, so "not in the table" and "dead" coincide.
type sessionState int

const (
	stateBegan sessionState = iota
	stateUpdating
)

// session is the client-side record of one live operation handle. The
// per-session mutex serializes competing callers; the dead flag closes
// the race where a caller blocks on the mutex while another terminates
// the session.
type session struct {
	mu      sync.Mutex
	handle  OperationHandle
	purpose Purpose
	key     string
	state   sessionState
	dead    bool

	// Byte accounting across updates. unresolved is input submitted but
	// not consumed by the most recent update; the bytes themselves stay
	// with the caller.
	submitted  uint64
	consumed   uint64
	unresolved uint64
}

// sessionTable maps live handles to their sessions. One table per
// client; the service keeps its own authoritative handle table behind
// the transport.
type sessionTable struct {
	mu   sync.RWMutex
	live map[OperationHandle]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{live: make(map[OperationHandle]*session)}
}

// insert registers a freshly begun session. Returns false if the handle
// value is already live, which means the service violated handle
// uniqueness.
func (t *sessionTable) insert(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.live[s.handle]; exists {
		return false
	}
	t.live[s.handle] = s
	return true
}

// lookup returns the live session for handle, or nil.
func (t *sessionTable) lookup(handle OperationHandle) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live[handle]
}

// remove drops a session from the table. Callers mark the session dead
// under its own mutex before or after removal.
func (t *sessionTable) remove(handle OperationHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, handle)
}

// count reports the number of live sessions.
func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

// acquire locks the session for handle, returning nil if the handle is
// unknown or turned terminal while waiting for the lock. On success the
// caller owns s.mu and must release it.
func (t *sessionTable) acquire(handle OperationHandle) *session {
	s := t.lookup(handle)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil
	}
	return s
}

// kill marks the locked session terminal and removes it from the table.
// The caller must hold s.mu.
func (t *sessionTable) kill(s *session) {
	s.dead = true
	t.remove(s.handle)
}
