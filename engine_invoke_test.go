package tglink

import (
	"context"
	"errors"
	"testing"

	"github.com/velora-team/tglink/mterr"
)

func TestInvoke(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	te.client.respond("messages.getDialogs", Result{"count": 3})
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")

	res, err := te.Invoke(ctx, "op-1", "messages.getDialogs", map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res["count"] != 3 {
		t.Fatalf("result = %+v", res)
	}
	if te.MetricsSnapshot().Counters[MetricInvokeSuccess] != 1 {
		t.Fatal("success metric not counted")
	}

	// The upstream must see the unsealed material, not the stored ciphertext.
	te.client.mu.Lock()
	payloads := te.client.payloads
	te.client.mu.Unlock()
	if len(payloads) != 1 || string(payloads[0]) != "auth-key" {
		t.Fatalf("payloads = %q", payloads)
	}

	got, err := te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasSession || got.Session.SessionID != sess.SessionID {
		t.Fatalf("active changed: %+v", got)
	}
}

func TestInvokeWithoutActiveSession(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestInvokeDeadAuthorizationInvalidates(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	te.client.fail("messages.getDialogs", errors.New("AUTH_KEY_UNREGISTERED"))
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")

	_, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if mterr.CodeOf(err) != mterr.CodeSessionInvalid {
		t.Fatalf("expected SESSION_INVALID, got %v", err)
	}

	// Exactly one error event and one disconnect, both after the state change.
	errEv := waitEvent(t, te.sink, EventError)
	if errEv.SessionID != sess.SessionID || errEv.Status != "invalid" {
		t.Fatalf("error event: %+v", errEv)
	}
	discEv := waitEvent(t, te.sink, EventDisconnect)
	if discEv.SessionID != sess.SessionID {
		t.Fatalf("disconnect event: %+v", discEv)
	}

	st, err := te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.HasSession || st.Session.Status != "invalid" {
		t.Fatalf("snapshot after invalidation = %+v", st)
	}
	sessions, err := te.Sessions(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Status != "invalid" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].PhoneNumber != "" {
		t.Fatal("invalidated session must shed its phone number")
	}

	// Further invokes surface the missing session, not another invalidation.
	if _, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("second invoke: %v", err)
	}
	if n := te.MetricsSnapshot().Counters[MetricSessionInvalidated]; n != 1 {
		t.Fatalf("invalidated metric = %d", n)
	}
}

func TestInvokeFloodWait(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	te.client.fail("messages.getDialogs", errors.New("FLOOD_WAIT_17"))
	ctx := context.Background()

	linkPhone(t, te, "op-1", "+79991234567")

	_, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if mterr.CodeOf(err) != mterr.CodeFloodWait {
		t.Fatalf("expected FLOOD_WAIT, got %v", err)
	}

	ev := waitEvent(t, te.sink, EventFloodWait)
	if ev.RetryAfter != 17 {
		t.Fatalf("flood wait event: %+v", ev)
	}
	// Flood waits do not kill the session.
	st, err := te.SessionStatus(ctx, "op-1")
	if err != nil {
		t.Fatalf("session survived check: %v", err)
	}
	if !st.HasSession || st.Session.Status != "active" {
		t.Fatalf("snapshot after flood wait = %+v", st)
	}
}

func TestInvokeRetriesOnceOnMigration(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	linkPhone(t, te, "op-1", "+79991234567")

	attempts := 0
	te.client.on("messages.getDialogs", func(map[string]any) (Result, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("PHONE_MIGRATE_4")
		}
		return Result{"count": 1}, nil
	})

	res, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res["count"] != 1 || attempts != 2 {
		t.Fatalf("res=%+v attempts=%d", res, attempts)
	}
}

func TestInvokeRetryIsBounded(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	te.client.fail("messages.getDialogs", errors.New("PHONE_MIGRATE_4"))
	ctx := context.Background()

	linkPhone(t, te, "op-1", "+79991234567")

	_, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if mterr.CodeOf(err) != mterr.CodeDCMigrate {
		t.Fatalf("expected DC_MIGRATE, got %v", err)
	}
	if n := te.client.callCount("messages.getDialogs"); n != 2 {
		t.Fatalf("attempts = %d, want exactly one retry", n)
	}
}

func TestInvokeRetryDisabled(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Retry.Enabled = false
	})
	scriptPhoneLogin(te.client)
	te.client.fail("messages.getDialogs", errors.New("PHONE_MIGRATE_4"))
	ctx := context.Background()

	linkPhone(t, te, "op-1", "+79991234567")

	if _, err := te.Invoke(ctx, "op-1", "messages.getDialogs", nil); err == nil {
		t.Fatal("expected error")
	}
	if n := te.client.callCount("messages.getDialogs"); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestInvokeTamperedPayloadInvalidates(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	sess := linkPhone(t, te, "op-1", "+79991234567")

	// Corrupt the stored session record out from under the engine.
	raw, err := te.rdb.Get(ctx, "tgl:s:"+sess.SessionID).Bytes()
	if err != nil {
		t.Fatal(err)
	}
	// The sealed payload sits just ahead of the two trailing timestamps.
	raw[len(raw)-17] ^= 0xff
	if err := te.rdb.Set(ctx, "tgl:s:"+sess.SessionID, raw, 0).Err(); err != nil {
		t.Fatal(err)
	}

	_, err = te.Invoke(ctx, "op-1", "messages.getDialogs", nil)
	if mterr.CodeOf(err) != mterr.CodeSessionInvalid {
		t.Fatalf("expected SESSION_INVALID, got %v", err)
	}
}
