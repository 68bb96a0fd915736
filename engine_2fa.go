package tglink

import (
	"context"
	"errors"

	"github.com/velora-team/tglink/internal/rate"
	"github.com/velora-team/tglink/mterr"
)

// twoFactorAllowedFields is the closed set of payload keys CompleteTwoFactor
// accepts. Anything else is rejected before the payload touches the upstream.
var twoFactorAllowedFields = map[string]struct{}{
	"password":        {},
	"phone_number":    {},
	"phone_code_hash": {},
}

// CompleteTwoFactor finishes a phone-code login that hit a cloud password.
// The payload is projected through an allow-list: only the password reaches
// the upstream, and the phone number and code hash always come from the
// server-side handshake record, never from the caller. Only failed attempts
// count against the two-factor budget.
func (e *Engine) CompleteTwoFactor(ctx context.Context, principal, handshakeID string, payload map[string]any) (*VerifyResult, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" || handshakeID == "" {
		return nil, mterr.Validation("principal and handshake id are required")
	}

	for key := range payload {
		if _, ok := twoFactorAllowedFields[key]; !ok {
			return nil, mterr.Validation("unexpected field: " + key)
		}
	}
	password, _ := payload["password"].(string)
	if password == "" {
		return nil, mterr.Validation("password is required")
	}

	decision, err := e.limiter.Allow(ctx, rate.OpTwoFactor, principal)
	if err != nil {
		return nil, backendErr(err)
	}
	if !decision.Allowed {
		return nil, mterr.RateLimited(int(decision.RetryAfter.Seconds()))
	}

	record, err := e.getPhoneHandshake(ctx, handshakeID)
	if err != nil {
		return nil, err
	}
	if !record.TwoFactorPending {
		return nil, coded(ErrTwoFactorNotPending, mterr.CodeValidation)
	}

	res, err := e.send(ctx, "auth.checkPassword", map[string]any{
		"password": password,
	})
	if err != nil {
		var merr *mterr.Error
		if errors.As(err, &merr) {
			e.noteFloodWait(ctx, principal, "", merr)
			if merr.Code == mterr.CodeInvalid2FAPassword {
				e.metricInc(MetricTwoFactorFailure)
				exceeded, ferr := e.phoneStore.RecordFailure(ctx, handshakeID, e.config.Handshake.MaxAttempts)
				if ferr == nil && exceeded {
					return nil, coded(ErrHandshakeExpired, mterr.CodePhoneCodeExpired)
				}
			}
		}
		return nil, err
	}

	consumed, err := e.phoneStore.Consume(ctx, handshakeID)
	if err != nil {
		return nil, backendErr(err)
	}
	if !consumed {
		return nil, coded(ErrHandshakeConsumed, mterr.CodePhoneCodeExpired)
	}
	_ = e.limiter.Forgive(ctx, rate.OpTwoFactor, principal)

	sess, err := e.activateSession(ctx, principal, record.Phone, resultBytes(res, "session"))
	if err != nil {
		return nil, err
	}
	// The link is complete; the request window for this phone no longer
	// applies.
	_ = e.limiter.Reset(ctx, rate.OpCodeRequest, principal+":"+record.Phone)
	e.metricInc(MetricTwoFactorSuccess)
	return &VerifyResult{Session: snapshotOf(sess)}, nil
}
