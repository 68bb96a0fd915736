package tglink

import (
	"context"
	"errors"
	"time"

	"github.com/velora-team/tglink/internal"
	"github.com/velora-team/tglink/internal/rate"
	"github.com/velora-team/tglink/internal/stores"
	"github.com/velora-team/tglink/mterr"
)

// PhoneCodeResult is the outcome of RequestPhoneCode. HandshakeID is the only
// correlation token the caller ever sees; the upstream hash stays server-side.
// Remaining is what is left of the request budget after this call, -1 when
// the budget is disabled.
type PhoneCodeResult struct {
	HandshakeID string
	CodeLength  int
	ExpiresAt   time.Time
	Remaining   int
}

// VerifyResult is the outcome of VerifyPhoneCode and CompleteTwoFactor.
// When TwoFactorRequired is set the code was accepted but the account has a
// cloud password; finish with CompleteTwoFactor using the same handshake id.
type VerifyResult struct {
	Session           *SessionSnapshot
	TwoFactorRequired bool
	PasswordHint      string
}

// RequestPhoneCode asks the upstream to deliver a login code to the phone and
// records a single-use handshake for the verification step. Every request
// counts against the principal+phone budget, successful or not.
func (e *Engine) RequestPhoneCode(ctx context.Context, principal, phone string) (*PhoneCodeResult, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" || phone == "" {
		return nil, mterr.Validation("principal and phone are required")
	}

	decision, err := e.limiter.Allow(ctx, rate.OpCodeRequest, principal+":"+phone)
	if err != nil {
		return nil, backendErr(err)
	}
	if !decision.Allowed {
		e.metricInc(MetricPhoneCodeRateLimited)
		return nil, mterr.RateLimited(int(decision.RetryAfter.Seconds()))
	}

	res, err := e.send(ctx, "auth.sendCode", map[string]any{
		"phone_number": phone,
	})
	if err != nil {
		var merr *mterr.Error
		if errors.As(err, &merr) {
			e.noteFloodWait(ctx, principal, "", merr)
		}
		return nil, err
	}

	codeHash := resultString(res, "phone_code_hash")
	if codeHash == "" {
		return nil, mterr.Validation("upstream returned no code hash")
	}

	hid, err := internal.NewHandshakeID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(e.config.Handshake.CodeTTL)
	record := &stores.PhoneHandshake{
		Phone:     phone,
		CodeHash:  codeHash,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.phoneStore.Save(ctx, hid.String(), record, e.config.Handshake.CodeTTL); err != nil {
		return nil, backendErr(err)
	}

	e.metricInc(MetricPhoneCodeRequested)
	return &PhoneCodeResult{
		HandshakeID: hid.String(),
		CodeLength:  resultInt(res, "code_length"),
		ExpiresAt:   expiresAt,
		Remaining:   decision.Remaining,
	}, nil
}

// CodeRequestBudget reports how many phone-code requests are left in the
// current window for the principal and phone, without consuming one. Returns
// -1 when the budget is disabled.
func (e *Engine) CodeRequestBudget(ctx context.Context, principal, phone string) (int, error) {
	if e == nil || e.limiter == nil {
		return 0, ErrEngineNotReady
	}
	if principal == "" || phone == "" {
		return 0, mterr.Validation("principal and phone are required")
	}
	left, err := e.limiter.Remaining(ctx, rate.OpCodeRequest, principal+":"+phone)
	if err != nil {
		return 0, backendErr(err)
	}
	return left, nil
}

// VerifyPhoneCode submits the delivered code against the pending handshake.
// Only failed attempts count against the verify budget. On success the
// handshake is consumed, the session material sealed and activated, and the
// connect event published. A two-factor account returns TwoFactorRequired
// instead of a session.
func (e *Engine) VerifyPhoneCode(ctx context.Context, principal, handshakeID, code string) (*VerifyResult, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" || handshakeID == "" || code == "" {
		return nil, mterr.Validation("principal, handshake id, and code are required")
	}

	decision, err := e.limiter.Allow(ctx, rate.OpCodeVerify, principal)
	if err != nil {
		return nil, backendErr(err)
	}
	if !decision.Allowed {
		e.metricInc(MetricPhoneCodeRateLimited)
		return nil, mterr.RateLimited(int(decision.RetryAfter.Seconds()))
	}

	record, err := e.getPhoneHandshake(ctx, handshakeID)
	if err != nil {
		return nil, err
	}

	if record.TwoFactorPending {
		// Code already accepted on a prior attempt; only the password step
		// remains. Not a failure.
		_ = e.limiter.Forgive(ctx, rate.OpCodeVerify, principal)
		return &VerifyResult{TwoFactorRequired: true, PasswordHint: record.PasswordHint}, nil
	}

	res, err := e.send(ctx, "auth.signIn", map[string]any{
		"phone_number":    record.Phone,
		"phone_code_hash": record.CodeHash,
		"phone_code":      code,
	})
	if err != nil {
		if mterr.IsTwoFactorRequired(err) {
			return e.beginTwoFactor(ctx, principal, handshakeID, record)
		}
		return nil, e.notePhoneVerifyFailure(ctx, principal, handshakeID, err)
	}

	consumed, err := e.phoneStore.Consume(ctx, handshakeID)
	if err != nil {
		return nil, backendErr(err)
	}
	if !consumed {
		return nil, coded(ErrHandshakeConsumed, mterr.CodePhoneCodeExpired)
	}
	_ = e.limiter.Forgive(ctx, rate.OpCodeVerify, principal)

	sess, err := e.activateSession(ctx, principal, record.Phone, resultBytes(res, "session"))
	if err != nil {
		return nil, err
	}
	// The link is complete; the request window for this phone no longer
	// applies.
	_ = e.limiter.Reset(ctx, rate.OpCodeRequest, principal+":"+record.Phone)
	e.metricInc(MetricSignInSuccess)
	return &VerifyResult{Session: snapshotOf(sess)}, nil
}

// beginTwoFactor marks the handshake as awaiting the cloud password and
// surfaces the hint. The accepted code is not a failure, so the verify hit is
// refunded.
func (e *Engine) beginTwoFactor(ctx context.Context, principal, handshakeID string, record *stores.PhoneHandshake) (*VerifyResult, error) {
	record.TwoFactorPending = true

	// Hint lookup is best effort; a flood-waited getPassword must not lose
	// the pending state.
	if res, err := e.send(ctx, "account.getPassword", map[string]any{}); err == nil {
		record.PasswordHint = resultString(res, "hint")
	}

	if err := e.phoneStore.Update(ctx, handshakeID, record); err != nil {
		if errors.Is(err, stores.ErrPhoneHandshakeExpired) {
			e.metricInc(MetricPhoneCodeExpired)
			return nil, coded(ErrHandshakeExpired, mterr.CodePhoneCodeExpired)
		}
		return nil, backendErr(err)
	}

	_ = e.limiter.Forgive(ctx, rate.OpCodeVerify, principal)
	e.metricInc(MetricTwoFactorRequired)
	return &VerifyResult{TwoFactorRequired: true, PasswordHint: record.PasswordHint}, nil
}

func (e *Engine) getPhoneHandshake(ctx context.Context, handshakeID string) (*stores.PhoneHandshake, error) {
	record, err := e.phoneStore.Get(ctx, handshakeID)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrPhoneHandshakeNotFound):
			// The TTL reaper deletes expired records, so a missing handshake
			// is indistinguishable from an expired one and carries the same
			// code.
			return nil, coded(ErrHandshakeNotFound, mterr.CodePhoneCodeExpired)
		case errors.Is(err, stores.ErrPhoneHandshakeExpired):
			e.metricInc(MetricPhoneCodeExpired)
			return nil, coded(ErrHandshakeExpired, mterr.CodePhoneCodeExpired)
		}
		return nil, backendErr(err)
	}
	return record, nil
}

// notePhoneVerifyFailure records a failed code attempt and returns the mapped
// error. Exhausting the attempt budget kills the handshake.
func (e *Engine) notePhoneVerifyFailure(ctx context.Context, principal, handshakeID string, err error) error {
	var merr *mterr.Error
	if !errors.As(err, &merr) {
		return err
	}
	e.noteFloodWait(ctx, principal, "", merr)

	switch merr.Code {
	case mterr.CodePhoneCodeInvalid:
		e.metricInc(MetricPhoneCodeInvalid)
		exceeded, ferr := e.phoneStore.RecordFailure(ctx, handshakeID, e.config.Handshake.MaxAttempts)
		if ferr == nil && exceeded {
			return coded(ErrHandshakeExpired, mterr.CodePhoneCodeExpired)
		}
	case mterr.CodePhoneCodeExpired:
		e.metricInc(MetricPhoneCodeExpired)
		_, _ = e.phoneStore.Consume(ctx, handshakeID)
	}
	return merr
}
