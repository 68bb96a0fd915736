package tglink

import (
	"context"
	"errors"
	"testing"

	"github.com/velora-team/tglink/session"
)

func TestSessionStatusNoSession(t *testing.T) {
	te := newTestEngine(t, nil)

	st, err := te.SessionStatus(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasSession || st.Session != nil {
		t.Fatalf("never-linked principal reported a session: %+v", st)
	}
}

func TestSessionStatusReportsTerminalOutcome(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	te.client.fail("messages.getDialogs", errors.New("AUTH_KEY_UNREGISTERED"))
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")
	if _, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil); err == nil {
		t.Fatal("expected invoke failure")
	}

	// The dead session is no longer active, but its outcome and reason must
	// stay visible so callers can tell it apart from a never-linked principal.
	st, err := te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.HasSession {
		t.Fatalf("invalidated session invisible: %+v", st)
	}
	if st.Session.SessionID != sess.SessionID || st.Session.Status != "invalid" {
		t.Fatalf("snapshot = %+v", st.Session)
	}
	if st.Session.InvalidReason == "" {
		t.Fatal("snapshot must carry the invalidation reason")
	}

	// A fresh link takes over the snapshot again.
	second := linkPhone(t, te, "op-1", "+79991234567")
	st, err = te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.HasSession || st.Session.SessionID != second.SessionID || st.Session.Status != "active" {
		t.Fatalf("snapshot after relink = %+v", st.Session)
	}
}

func TestRevokeSession(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")

	got, err := te.RevokeSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got.Status != "revoked" {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PhoneNumber != "" {
		t.Fatal("revoked session must shed its phone number")
	}

	ev := waitEvent(t, te.sink, EventDisconnect)
	if ev.SessionID != sess.SessionID || ev.Reason != "revoked" {
		t.Fatalf("disconnect event: %+v", ev)
	}

	st, err := te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.HasSession || st.Session.Status != "revoked" {
		t.Fatalf("snapshot after revoke = %+v", st)
	}
	if te.MetricsSnapshot().Counters[MetricSessionRevoked] != 1 {
		t.Fatal("revoked metric not counted")
	}
}

func TestRevokeSessionTerminalRejected(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")
	if _, err := te.RevokeSession(ctx, sess.SessionID); err != nil {
		t.Fatal(err)
	}

	_, err := te.RevokeSession(ctx, sess.SessionID)
	var ite *session.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != session.StatusRevoked {
		t.Fatalf("from = %s", ite.From)
	}
}

func TestRevokeSessionUnknown(t *testing.T) {
	te := newTestEngine(t, nil)

	_, err := te.RevokeSession(context.Background(), "no-such-session")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeAllSessions(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	// Two links leave one revoked and one active; revoke-all touches only the
	// non-terminal one.
	linkPhone(t, te, "op-1", "+79991234567")
	linkPhone(t, te, "op-1", "+79991234567")

	n, err := te.RevokeAllSessions(ctx, "op-1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 1 {
		t.Fatalf("revoked = %d, want 1", n)
	}

	sessions, err := te.Sessions(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	for _, s := range sessions {
		if s.Status != "revoked" {
			t.Fatalf("session %s status = %s", s.SessionID, s.Status)
		}
	}

	// Idempotent: nothing left to revoke.
	n, err = te.RevokeAllSessions(ctx, "op-1")
	if err != nil || n != 0 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
}

func TestSessionsListsTerminal(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	first := linkPhone(t, te, "op-1", "+79991234567")
	second := linkPhone(t, te, "op-1", "+79991234567")

	sessions, err := te.Sessions(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	byID := make(map[string]string, len(sessions))
	for _, s := range sessions {
		byID[s.SessionID] = s.Status
	}
	if byID[first.SessionID] != "revoked" || byID[second.SessionID] != "active" {
		t.Fatalf("statuses = %+v", byID)
	}
}
