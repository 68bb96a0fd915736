package session

import "fmt"

// Status is the server-authoritative lifecycle state of a session. UI-only
// derived states (expired, error, none) are computed by clients from the
// snapshot and are never persisted.
type Status uint8

const (
	StatusInitializing Status = iota
	StatusActive
	StatusInvalid
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusInvalid:
		return "invalid"
	case StatusRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further status writes are legal. Terminal
// sessions can only be deleted or read for audit.
func (s Status) Terminal() bool {
	return s == StatusInvalid || s == StatusRevoked
}

// transitions is the complete legal transition table. Everything absent,
// including self-loops, is illegal.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusActive, StatusInvalid},
	StatusActive:       {StatusRevoked, StatusInvalid},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError diagnoses an attempted illegal transition.
type InvalidTransitionError struct {
	From      Status
	To        Status
	SessionID string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s (session %s)", e.From, e.To, e.SessionID)
}

// ApplyTransition mutates the in-memory session status after validating the
// transition. Persistence is the store's job and happens only after this
// succeeds.
func ApplyTransition(s *Session, to Status) error {
	if !CanTransition(s.Status, to) {
		return &InvalidTransitionError{From: s.Status, To: to, SessionID: s.SessionID}
	}
	s.Status = to
	return nil
}
