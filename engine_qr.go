package tglink

import (
	"context"
	"errors"
	"time"

	"github.com/velora-team/tglink/internal"
	"github.com/velora-team/tglink/internal/rate"
	"github.com/velora-team/tglink/internal/stores"
	"github.com/velora-team/tglink/mterr"
	"github.com/velora-team/tglink/session"
)

// QRResult is the outcome of GenerateQR. DeepLink is what gets rendered as a
// QR code; TokenID is the poll handle for QRStatus.
type QRResult struct {
	TokenID   string
	DeepLink  string
	ExpiresAt time.Time
}

// QRState is the poll-visible lifecycle of a QR token.
type QRState string

const (
	QRPending  QRState = "pending"
	QRAccepted QRState = "accepted"
	QRExpired  QRState = "expired"
)

// QRStatusResult is the outcome of QRStatus. SessionID is set once accepted.
type QRStatusResult struct {
	State     QRState
	SessionID string
}

// GenerateQR exports a fresh login token from the upstream and wraps its id
// in a signed deep link. The upstream token itself never leaves the server.
// Every call counts against the generate budget.
func (e *Engine) GenerateQR(ctx context.Context, principal string) (*QRResult, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" {
		return nil, mterr.Validation("principal is required")
	}

	decision, err := e.limiter.Allow(ctx, rate.OpQRGenerate, principal)
	if err != nil {
		return nil, backendErr(err)
	}
	if !decision.Allowed {
		return nil, mterr.RateLimited(int(decision.RetryAfter.Seconds()))
	}

	res, err := e.send(ctx, "auth.exportLoginToken", map[string]any{})
	if err != nil {
		var merr *mterr.Error
		if errors.As(err, &merr) {
			e.noteFloodWait(ctx, principal, "", merr)
		}
		return nil, err
	}

	upstreamToken := resultString(res, "token")
	if upstreamToken == "" {
		return nil, mterr.Validation("upstream returned no login token")
	}

	hid, err := internal.NewHandshakeID()
	if err != nil {
		return nil, err
	}
	tokenID := hid.String()

	now := time.Now()
	expiresAt := now.Add(e.config.QR.TokenTTL)
	record := &stores.QRHandshake{
		Principal: principal,
		Token:     upstreamToken,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.qrStore.Save(ctx, tokenID, record, e.config.QR.TokenTTL); err != nil {
		return nil, backendErr(err)
	}

	signed, err := signQRToken(e.qrKey, tokenID, now, e.config.QR.TokenTTL)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricQRGenerated)
	return &QRResult{
		TokenID:   tokenID,
		DeepLink:  qrDeepLink(e.config.QR.LinkBase, signed),
		ExpiresAt: expiresAt,
	}, nil
}

// QRStatus reports whether the token is still waiting, was accepted, or is
// gone. Polls count against the status budget.
func (e *Engine) QRStatus(ctx context.Context, principal, tokenID string) (*QRStatusResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if principal == "" || tokenID == "" {
		return nil, mterr.Validation("principal and token id are required")
	}

	decision, err := e.limiter.Allow(ctx, rate.OpQRStatus, principal)
	if err != nil {
		return nil, backendErr(err)
	}
	if !decision.Allowed {
		return nil, mterr.RateLimited(int(decision.RetryAfter.Seconds()))
	}

	record, err := e.qrStore.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, stores.ErrQRHandshakeNotFound) || errors.Is(err, stores.ErrQRHandshakeExpired) {
			e.metricInc(MetricQRExpired)
			return &QRStatusResult{State: QRExpired}, nil
		}
		return nil, backendErr(err)
	}
	if record.Principal != principal {
		// Token ids are unguessable; a principal mismatch is indistinguishable
		// from an expired token to the caller.
		return &QRStatusResult{State: QRExpired}, nil
	}

	if record.Accepted() {
		return &QRStatusResult{State: QRAccepted, SessionID: record.SessionID}, nil
	}
	return &QRStatusResult{State: QRPending}, nil
}

// AcceptQR completes a QR login from the scanning side. The signed deep-link
// token resolves to the pending handshake; the upstream login token is
// redeemed, the resulting session is activated for the principal that
// generated the QR, and the handshake is marked accepted so polls see it.
func (e *Engine) AcceptQR(ctx context.Context, signedToken, acceptedBy string) (*SessionSnapshot, error) {
	if e == nil || e.client == nil {
		return nil, ErrEngineNotReady
	}
	if signedToken == "" {
		return nil, ErrQRTokenInvalid
	}

	tokenID, err := parseQRToken(e.qrKey, signedToken)
	if err != nil {
		return nil, err
	}

	record, err := e.qrStore.Get(ctx, tokenID)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrQRHandshakeNotFound):
			return nil, coded(ErrHandshakeNotFound, mterr.CodePhoneCodeExpired)
		case errors.Is(err, stores.ErrQRHandshakeExpired):
			e.metricInc(MetricQRExpired)
			return nil, coded(ErrHandshakeExpired, mterr.CodePhoneCodeExpired)
		}
		return nil, backendErr(err)
	}
	if record.Accepted() {
		return nil, coded(ErrHandshakeConsumed, mterr.CodePhoneCodeExpired)
	}

	res, err := e.send(ctx, "auth.acceptToken", map[string]any{
		"token": record.Token,
	})
	if err != nil {
		var merr *mterr.Error
		if errors.As(err, &merr) {
			e.noteFloodWait(ctx, record.Principal, "", merr)
		}
		return nil, err
	}

	sess, err := e.activateSession(ctx, record.Principal, "", resultBytes(res, "session"))
	if err != nil {
		return nil, err
	}

	if _, err := e.qrStore.Accept(ctx, tokenID, acceptedBy, sess.SessionID); err != nil {
		// Lost the acceptance race after activation; undo the session so the
		// winner's stays the only one.
		_, _, _ = e.sessions.Transition(ctx, sess.SessionID, session.StatusInvalid, func(s *session.Session) {
			s.InvalidReason = "qr accept conflict"
			s.PhoneNumber = ""
		})
		return nil, coded(ErrHandshakeConsumed, mterr.CodePhoneCodeExpired)
	}

	e.metricInc(MetricQRAccepted)
	return snapshotOf(sess), nil
}
