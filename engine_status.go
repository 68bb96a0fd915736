package tglink

import (
	"context"
	"errors"
	"time"

	"github.com/velora-team/tglink/mterr"
	"github.com/velora-team/tglink/session"
)

// SessionSnapshot is the caller-visible view of one session. Sealed payload
// bytes never appear here.
type SessionSnapshot struct {
	SessionID     string
	Principal     string
	Status        string
	PhoneNumber   string
	InvalidReason string
	CreatedIP     string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

func snapshotOf(s *session.Session) *SessionSnapshot {
	if s == nil {
		return nil
	}
	return &SessionSnapshot{
		SessionID:     s.SessionID,
		Principal:     s.Principal,
		Status:        s.Status.String(),
		PhoneNumber:   s.PhoneNumber,
		InvalidReason: s.InvalidReason,
		CreatedIP:     s.CreatedIP,
		CreatedAt:     time.Unix(s.CreatedAt, 0),
		LastUsedAt:    time.Unix(s.LastUsedAt, 0),
	}
}

// SessionState is the snapshot answer for a principal. HasSession is false
// only when the principal never linked; otherwise Session carries the active
// session, or the most recent record when no session is active, so terminal
// outcomes stay visible together with their InvalidReason.
type SessionState struct {
	HasSession bool
	Session    *SessionSnapshot
}

// SessionStatus reports the principal's latest session.
func (e *Engine) SessionStatus(ctx context.Context, principal string) (*SessionState, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" {
		return nil, mterr.Validation("principal is required")
	}

	sess, err := e.sessions.Active(ctx, principal)
	if err == nil {
		return &SessionState{HasSession: true, Session: snapshotOf(sess)}, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, backendErr(err)
	}

	// No active session. Fall back to the newest record so an invalidated or
	// revoked link is distinguishable from a principal that never linked.
	list, err := e.sessions.ByPrincipal(ctx, principal)
	if err != nil {
		return nil, backendErr(err)
	}
	var latest *session.Session
	for _, s := range list {
		if latest == nil || s.CreatedAt > latest.CreatedAt ||
			(s.CreatedAt == latest.CreatedAt && s.LastUsedAt > latest.LastUsedAt) {
			latest = s
		}
	}
	if latest == nil {
		return &SessionState{}, nil
	}
	return &SessionState{HasSession: true, Session: snapshotOf(latest)}, nil
}

// Sessions lists every recorded session for the principal, terminal ones
// included.
func (e *Engine) Sessions(ctx context.Context, principal string) ([]*SessionSnapshot, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" {
		return nil, mterr.Validation("principal is required")
	}

	list, err := e.sessions.ByPrincipal(ctx, principal)
	if err != nil {
		return nil, backendErr(err)
	}

	out := make([]*SessionSnapshot, 0, len(list))
	for _, s := range list {
		out = append(out, snapshotOf(s))
	}
	return out, nil
}

// RevokeSession terminates a session by operator request. An active session
// becomes revoked; one still initializing becomes invalid. Terminal sessions
// return *session.InvalidTransitionError. The phone number is cleared with
// the same write and the disconnect event fires after persistence.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if sessionID == "" {
		return nil, mterr.Validation("session id is required")
	}

	current, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, coded(ErrSessionNotFound, mterr.CodeSessionNotFound)
		}
		return nil, backendErr(err)
	}

	to := session.StatusRevoked
	reason := "revoked"
	if current.Status == session.StatusInitializing {
		to = session.StatusInvalid
		reason = "revoked before activation"
	}

	updated, _, err := e.sessions.Transition(ctx, sessionID, to, func(s *session.Session) {
		s.InvalidReason = reason
		s.PhoneNumber = ""
	})
	if err != nil {
		var ite *session.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil, ite
		}
		return nil, backendErr(err)
	}

	if to == session.StatusRevoked {
		e.metricInc(MetricSessionRevoked)
	} else {
		e.metricInc(MetricSessionInvalidated)
	}
	e.publish(ctx, Event{
		Type:      EventDisconnect,
		Principal: updated.Principal,
		SessionID: updated.SessionID,
		Status:    updated.Status.String(),
		Reason:    reason,
	})
	return snapshotOf(updated), nil
}

// RevokeAllSessions revokes every non-terminal session of the principal.
// Already-terminal sessions are skipped, not errors.
func (e *Engine) RevokeAllSessions(ctx context.Context, principal string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	if principal == "" {
		return 0, mterr.Validation("principal is required")
	}

	list, err := e.sessions.ByPrincipal(ctx, principal)
	if err != nil {
		return 0, backendErr(err)
	}

	revoked := 0
	for _, s := range list {
		if s.Status.Terminal() {
			continue
		}
		if _, err := e.RevokeSession(ctx, s.SessionID); err != nil {
			var ite *session.InvalidTransitionError
			if errors.As(err, &ite) {
				// Lost a race with another revoker; the session is terminal
				// now either way.
				continue
			}
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
