// Package session owns the browser side of the mirror: Chrome lifecycle,
// stealth pages, persisted authentication state, and the Session handle
// that workspace clients borrow for the duration of one operation.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/chatmirror/idgen"
)

// State is a session lifecycle state.
type State int

const (
	StateCreated State = iota
	StateAuthenticated
	StateActive
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// transitions lists the legal next states. The lifecycle is monotonic
// except for the Active/Expired pair: an expired session may be revived
// by a successful refresh, and everything may close.
var transitions = map[State][]State{
	StateCreated:       {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateActive, StateClosed},
	StateActive:        {StateExpired, StateClosed},
	StateExpired:       {StateActive, StateClosed},
	StateClosed:        {},
}

// Session is one authenticated browser context. Clients borrow it for a
// single operation and never retain it; the caller serialises access so
// at most one operation is in flight per session.
type Session struct {
	ID string

	mu        sync.Mutex
	state     State
	page      *rod.Page
	createdAt time.Time
}

// Detached wraps a page in a Session that no Manager owns. The caller is
// responsible for authentication and teardown.
func Detached(page *rod.Page) *Session {
	return newSession(page)
}

func newSession(page *rod.Page) *Session {
	return &Session{
		ID:        idgen.Prefixed("ses", idgen.NanoID(10))(),
		state:     StateCreated,
		page:      page,
		createdAt: time.Now(),
	}
}

// Page returns the underlying rod page, nil once closed.
func (s *Session) Page() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to a new state, rejecting anything the
// lifecycle does not allow.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ok := range transitions[s.state] {
		if ok == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session: illegal transition %s -> %s", s.state, to)
}

// markExpired flags an active session whose authentication failed.
func (s *Session) markExpired() error {
	return s.transition(StateExpired)
}

// markActive revives an expired session after a successful refresh.
func (s *Session) markActive() error {
	return s.transition(StateActive)
}

// close releases the page and pins the terminal state. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	s.state = StateClosed
}
