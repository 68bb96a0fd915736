package tglink

import (
	"context"
	"errors"
	"time"

	"github.com/velora-team/tglink/mterr"
	"github.com/velora-team/tglink/session"
)

// Invoke executes an upstream call in the principal's active session. The
// sealed payload is opened only for the duration of the call. A dead upstream
// authorization invalidates the session, publishes exactly one error event
// and the disconnect, and surfaces SESSION_INVALID to the caller.
func (e *Engine) Invoke(ctx context.Context, principal, method string, params map[string]any) (Result, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" || method == "" {
		return nil, mterr.Validation("principal and method are required")
	}

	sess, err := e.sessions.Active(ctx, principal)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, coded(ErrNoActiveSession, mterr.CodeSessionNotFound)
		}
		return nil, backendErr(err)
	}

	payload, err := e.sealer.Open(sess.Payload)
	if err != nil {
		// Undecryptable material means the session can never work again.
		e.invalidateSession(ctx, sess.SessionID, "payload unreadable")
		return nil, mterr.SessionInvalid("session payload unreadable")
	}

	start := time.Now()
	res, err := e.sendAuthorized(ctx, payload, method, params)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricInvokeLatency, time.Since(start))
	}
	if err != nil {
		e.metricInc(MetricInvokeFailure)

		var merr *mterr.Error
		if errors.As(err, &merr) {
			e.noteFloodWait(ctx, principal, sess.SessionID, merr)
			if merr.Code == mterr.CodeSessionInvalid {
				e.invalidateSession(ctx, sess.SessionID, merr.Message)
			}
		}
		return nil, err
	}

	e.metricInc(MetricInvokeSuccess)
	// Best effort: a failed bump must not fail a successful call.
	_ = e.sessions.Touch(ctx, sess.SessionID, time.Now().Unix())
	return res, nil
}

// invalidateSession moves the session to invalid and publishes the error and
// disconnect events. Losing the transition race to another invalidator is
// fine; events then belong to the winner.
func (e *Engine) invalidateSession(ctx context.Context, sessionID, reason string) {
	updated, _, err := e.sessions.Transition(ctx, sessionID, session.StatusInvalid, func(s *session.Session) {
		s.InvalidReason = reason
		s.PhoneNumber = ""
	})
	if err != nil {
		return
	}

	e.metricInc(MetricSessionInvalidated)
	e.publish(ctx, Event{
		Type:      EventError,
		Principal: updated.Principal,
		SessionID: updated.SessionID,
		Status:    updated.Status.String(),
		Reason:    reason,
	})
	e.publish(ctx, Event{
		Type:      EventDisconnect,
		Principal: updated.Principal,
		SessionID: updated.SessionID,
		Status:    updated.Status.String(),
		Reason:    reason,
	})
}
