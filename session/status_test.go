package session

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusInitializing, StatusActive, StatusInvalid, StatusRevoked}
	legal := map[[2]Status]bool{
		{StatusInitializing, StatusActive}:  true,
		{StatusInitializing, StatusInvalid}: true,
		{StatusActive, StatusRevoked}:       true,
		{StatusActive, StatusInvalid}:       true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestApplyTransitionRejectsAndLeavesStateUnchanged(t *testing.T) {
	all := []Status{StatusInitializing, StatusActive, StatusInvalid, StatusRevoked}

	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				continue
			}
			sess := &Session{SessionID: "s1", Status: from}
			err := ApplyTransition(sess, to)

			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("ApplyTransition(%s, %s): expected InvalidTransitionError, got %v", from, to, err)
			}
			if ite.From != from || ite.To != to || ite.SessionID != "s1" {
				t.Fatalf("diagnostic mismatch: %+v", ite)
			}
			if sess.Status != from {
				t.Fatalf("state mutated on illegal transition %s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []Status{StatusInvalid, StatusRevoked} {
		if !terminal.Terminal() {
			t.Fatalf("%s must be terminal", terminal)
		}
		for _, to := range []Status{StatusInitializing, StatusActive, StatusInvalid, StatusRevoked} {
			if CanTransition(terminal, to) {
				t.Fatalf("terminal %s must not transition to %s", terminal, to)
			}
		}
	}
}

func TestApplyTransitionHappyPaths(t *testing.T) {
	sess := &Session{SessionID: "s2", Status: StatusInitializing}
	if err := ApplyTransition(sess, StatusActive); err != nil {
		t.Fatalf("initializing -> active: %v", err)
	}
	if err := ApplyTransition(sess, StatusRevoked); err != nil {
		t.Fatalf("active -> revoked: %v", err)
	}

	sess = &Session{SessionID: "s3", Status: StatusInitializing}
	if err := ApplyTransition(sess, StatusInvalid); err != nil {
		t.Fatalf("initializing -> invalid: %v", err)
	}
}
