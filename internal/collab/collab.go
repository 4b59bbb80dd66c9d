// Package collab implements the transient shared-session manager (spec
// §4.10): two agents can join a shared session and track independent
// read cursors over it, with no store backing (spec explicitly calls
// this out as in-memory/transient). Grounded on coordinator/waiter.go's
// result-cursor tracking, generalized from "one caller waiting on one
// task" to "two members each tracking how far they've read."
package collab

import (
	"sync"
	"time"

	"github.com/ylcn91/agentctl/internal/herr"
)

// cleanupStale is the inactivity threshold after which an idle shared
// session is eligible for garbage collection (spec §9 Open Question:
// the base spec never names a default; 30 minutes is chosen as
// consistent with the SLA engine's staleness notion elsewhere in this
// daemon — see DESIGN.md).
const cleanupStale = 30 * time.Minute

// Session is a transient two-party collaboration session.
type Session struct {
	ID        string
	Members   [2]string
	Cursors   map[string]int // member -> last-read message index
	CreatedAt time.Time
	LastTouch time.Time
}

// Manager holds all live shared sessions in memory.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	newID    func() string
}

// New constructs a Manager. newID generates session IDs (injected so
// callers can supply uuid.NewString or a deterministic ID in tests).
func New(newID func() string) *Manager {
	return &Manager{sessions: make(map[string]*Session), newID: newID}
}

// Open starts a new shared session between memberA and memberB.
func (m *Manager) Open(memberA, memberB string) (*Session, error) {
	if memberA == "" || memberB == "" {
		return nil, herr.Validation("both members must be named")
	}
	if memberA == memberB {
		return nil, herr.Validation("a shared session needs two distinct members")
	}
	now := time.Now()
	sess := &Session{
		ID:        m.newID(),
		Members:   [2]string{memberA, memberB},
		Cursors:   map[string]int{memberA: 0, memberB: 0},
		CreatedAt: now,
		LastTouch: now,
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Advance moves member's cursor forward to index and touches the
// session's last-activity time.
func (m *Manager) Advance(sessionID, member string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return herr.NotFound("shared session %s not found", sessionID)
	}
	if _, isMember := sess.Cursors[member]; !isMember {
		return herr.Validation("%s is not a member of session %s", member, sessionID)
	}
	if index > sess.Cursors[member] {
		sess.Cursors[member] = index
	}
	sess.LastTouch = time.Now()
	return nil
}

// Get returns a copy of a session's current state.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Close removes a session explicitly (both members left).
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupStale removes every session whose LastTouch is older than
// cleanupStale, returning how many were reaped. Intended to be called
// periodically by the watchdog ticker.
func (m *Manager) CleanupStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if now.Sub(sess.LastTouch) > cleanupStale {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
