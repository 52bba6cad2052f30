package collab

import (
	"fmt"
	"sync"

	"chronicle/collab/internal/replica"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateLoading
	StateAttached
	StateDetaching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLoading:
		return "loading"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateLoading, StateClosed},
	StateLoading:        {StateAttached, StateClosed},
	StateAttached:       {StateDetaching},
	StateDetaching:      {StateClosed},
}

// Session is one authenticated connection attached to one document.
type Session struct {
	ID         string
	DocumentID string
	Identity   Identity
	Syncing    bool

	peer Peer

	mu      sync.Mutex
	state   State
	replica *replica.Replica
}

func newSession(id string, req ConnectRequest, peer Peer) *Session {
	return &Session{
		ID:         id,
		DocumentID: req.DocumentID,
		Syncing:    req.Sync,
		peer:       peer,
		state:      StateConnecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ReadOnly() bool {
	return s.Identity.ReadOnly()
}

// transition moves the session from one state to another. It fails if the
// session is not in from or the edge does not exist.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("session %s: transition %s->%s from %s", s.ID, from, to, s.state)
	}
	for _, next := range transitions[from] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: no transition %s->%s", s.ID, from, to)
}

// abandon closes a session that never reached Attached.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateAuthenticating, StateLoading:
		s.state = StateClosed
	}
}

func (s *Session) attachedReplica() (*replica.Replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica, s.state == StateAttached
}

func (s *Session) presence() replica.Presence {
	return replica.Presence{
		SessionID: s.ID,
		UserID:    s.Identity.UserID,
		Name:      s.Identity.Name,
		AvatarURL: s.Identity.AvatarURL,
		ReadOnly:  s.ReadOnly(),
	}
}
