package tglink

import (
	"context"
	"errors"
	"testing"

	"github.com/velora-team/tglink/mterr"
)

// begin2FA drives a phone login up to the cloud-password step and returns the
// pending handshake id.
func begin2FA(t *testing.T, te *testEngine, principal, phone string) string {
	t.Helper()
	ctx := context.Background()

	te.client.respond("auth.sendCode", Result{"phone_code_hash": "h0", "code_length": 5})
	te.client.fail("auth.signIn", errors.New("SESSION_PASSWORD_NEEDED"))
	te.client.respond("account.getPassword", Result{"hint": "first pet"})

	pr, err := te.RequestPhoneCode(ctx, principal, phone)
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	vr, err := te.VerifyPhoneCode(ctx, principal, pr.HandshakeID, "12345")
	if err != nil {
		t.Fatalf("verify code: %v", err)
	}
	if !vr.TwoFactorRequired {
		t.Fatal("expected two-factor requirement")
	}
	if vr.PasswordHint != "first pet" {
		t.Fatalf("hint = %q", vr.PasswordHint)
	}
	return pr.HandshakeID
}

func TestCompleteTwoFactor(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")
	te.client.respond("auth.checkPassword", Result{"session": []byte("auth-key"), "user_id": "42"})

	vr, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "hunter2"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if vr.Session == nil || vr.Session.Status != "active" {
		t.Fatalf("session = %+v", vr.Session)
	}
	if vr.Session.PhoneNumber != "+79991234567" {
		t.Fatalf("phone = %q", vr.Session.PhoneNumber)
	}
	if te.MetricsSnapshot().Counters[MetricTwoFactorSuccess] != 1 {
		t.Fatal("success metric not counted")
	}

	// The handshake is single-use across both steps.
	_, err = te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "hunter2"})
	if !errors.Is(err, ErrHandshakeNotFound) {
		t.Fatalf("replay: %v", err)
	}
}

func TestCompleteTwoFactorRejectsUnknownFields(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")

	_, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{
		"password": "hunter2",
		"api_hash": "sneaky",
	})
	if mterr.CodeOf(err) != mterr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if te.client.callCount("auth.checkPassword") != 0 {
		t.Fatal("rejected payload must not reach the upstream")
	}
}

func TestCompleteTwoFactorRequiresPassword(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")

	if _, err := te.CompleteTwoFactor(ctx, "op-1", hid, nil); mterr.CodeOf(err) != mterr.CodeValidation {
		t.Fatalf("nil payload: %v", err)
	}
	if _, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"phone_number": "+7"}); mterr.CodeOf(err) != mterr.CodeValidation {
		t.Fatalf("missing password: %v", err)
	}
}

func TestCompleteTwoFactorWrongPassword(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")
	te.client.fail("auth.checkPassword", errors.New("PASSWORD_HASH_INVALID"))

	_, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "wrong"})
	if mterr.CodeOf(err) != mterr.CodeInvalid2FAPassword {
		t.Fatalf("expected INVALID_2FA_PASSWORD, got %v", err)
	}
	if te.MetricsSnapshot().Counters[MetricTwoFactorFailure] != 1 {
		t.Fatal("failure metric not counted")
	}

	// A corrected password still works on the same handshake.
	te.client.respond("auth.checkPassword", Result{"session": []byte("auth-key"), "user_id": "42"})
	vr, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "hunter2"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if vr.Session == nil {
		t.Fatal("no session after retry")
	}
}

func TestCompleteTwoFactorFailureBudget(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Rate.TwoFactorMax = 2
	})
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")
	te.client.fail("auth.checkPassword", errors.New("PASSWORD_HASH_INVALID"))

	for i := 0; i < 2; i++ {
		if _, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "wrong"}); mterr.CodeOf(err) != mterr.CodeInvalid2FAPassword {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	_, err := te.CompleteTwoFactor(ctx, "op-1", hid, map[string]any{"password": "wrong"})
	if mterr.CodeOf(err) != mterr.CodeTooManyRequests {
		t.Fatalf("expected TOO_MANY_REQUESTS, got %v", err)
	}
}

func TestCompleteTwoFactorWithoutPendingState(t *testing.T) {
	te := newTestEngine(t, nil)
	scriptPhoneLogin(te.client)
	ctx := context.Background()

	// A handshake that never hit the password step cannot take a password.
	pr, err := te.RequestPhoneCode(ctx, "op-1", "+79991234567")
	if err != nil {
		t.Fatal(err)
	}
	_, err = te.CompleteTwoFactor(ctx, "op-1", pr.HandshakeID, map[string]any{"password": "hunter2"})
	if !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("expected ErrTwoFactorNotPending, got %v", err)
	}
}

func TestVerifyAfterTwoFactorPendingRepeatsRequirement(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	hid := begin2FA(t, te, "op-1", "+79991234567")

	// Re-submitting the code while the password is pending does not burn the
	// handshake or the budget; it just restates the requirement.
	vr, err := te.VerifyPhoneCode(ctx, "op-1", hid, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if !vr.TwoFactorRequired || vr.PasswordHint != "first pet" {
		t.Fatalf("result = %+v", vr)
	}
}
