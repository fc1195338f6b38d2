// Package locking implements the Session Lock: it guarantees at most one
// active turn per session, and the pending-agent-switch handshake the Turn
// Runner consumes between steps.
package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaycode/relayd/internal/event"
)

// SessionLockedError is returned when a caller tries to acquire or assert a
// lock already held by another turn.
type SessionLockedError struct {
	SessionID string
}

func (e *SessionLockedError) Error() string {
	return fmt.Sprintf("session %s is locked by another turn", e.SessionID)
}

// Handle is a scoped lock ownership token. Release must be called exactly
// once, typically via defer immediately after a successful Acquire.
type Handle struct {
	manager   *Manager
	sessionID string
	cancel    context.CancelFunc
	ctx       context.Context
	released  bool
}

// Context returns the cancellation-aware context bound to this turn.
func (h *Handle) Context() context.Context { return h.ctx }

// Release disposes the handle. If it is still the registered owner for its
// session, session.completed is NOT published here — completion is the
// caller's responsibility once the turn genuinely finished successfully;
// Release only frees the slot so the next prompt can acquire it. Calling
// Release on an already-released handle is a no-op.
func (h *Handle) Release() {
	h.manager.release(h)
}

// pendingSwitch records an agent switch requested mid-turn or between turns.
type pendingSwitch struct {
	agent string
}

// Manager is the Session Lock: one Manager per process, shared across all
// sessions it owns.
type Manager struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	switches map[string]pendingSwitch
}

// NewManager creates a Session Lock manager.
func NewManager() *Manager {
	return &Manager{
		handles:  make(map[string]*Handle),
		switches: make(map[string]pendingSwitch),
	}
}

// Acquire installs a cancellation token for sessionID and returns a scoped
// handle, or fails fast with *SessionLockedError if a turn is already
// running for that session.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, locked := m.handles[sessionID]; locked {
		return nil, &SessionLockedError{SessionID: sessionID}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	h := &Handle{sessionID: sessionID, cancel: cancel, ctx: turnCtx, manager: m}
	m.handles[sessionID] = h
	return h, nil
}

// release removes h from the registry iff it is still the registered
// owner, and cancels its token. Idempotent.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	h.cancel()

	if cur, ok := m.handles[h.sessionID]; ok && cur == h {
		delete(m.handles, h.sessionID)
	}
}

// Abort cancels the current turn's token (if any) and publishes
// session.aborted. Returns false if no lock exists for sessionID.
func (m *Manager) Abort(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()
	event.PublishSync(event.Event{
		Type: event.SessionAborted,
		Data: event.SessionAbortedData{SessionID: sessionID},
	})
	return true
}

// SwitchAgent aborts the current turn (if any), records a pending switch,
// and publishes session.agent_switch. The next prompt consumes the pending
// switch via ConsumePendingSwitch.
func (m *Manager) SwitchAgent(sessionID, agent string) {
	m.Abort(sessionID)

	m.mu.Lock()
	m.switches[sessionID] = pendingSwitch{agent: agent}
	m.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.SessionAgentSwitch,
		Data: event.SessionAgentSwitchData{SessionID: sessionID, Agent: agent},
	})
}

// RequestGracefulSwitch installs a pending switch without aborting the
// active turn; the runner observes it between steps.
func (m *Manager) RequestGracefulSwitch(sessionID, agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[sessionID] = pendingSwitch{agent: agent}
}

// ConsumePendingSwitch returns and clears the pending agent switch for a
// session, if any.
func (m *Manager) ConsumePendingSwitch(sessionID string) (agent string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.switches[sessionID]
	if !ok {
		return "", false
	}
	delete(m.switches, sessionID)
	return sw.agent, true
}

// AssertUnlocked returns *SessionLockedError if sessionID currently holds
// an active turn. Used by compaction to refuse running concurrently with a
// turn on the same session.
func (m *Manager) AssertUnlocked(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, locked := m.handles[sessionID]; locked {
		return &SessionLockedError{SessionID: sessionID}
	}
	return nil
}

// IsLocked reports whether sessionID currently holds an active turn.
func (m *Manager) IsLocked(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, locked := m.handles[sessionID]
	return locked
}

// TeardownAll cancels every outstanding handle, used on process shutdown.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}
