package tglink

import (
	"errors"
	"fmt"

	"github.com/velora-team/tglink/mterr"
)

var (
	// ErrEngineNotReady is returned when a dependency was not wired at build time.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrHandshakeNotFound is returned when no pending handshake matches the id.
	ErrHandshakeNotFound = errors.New("handshake not found")
	// ErrHandshakeExpired is returned when the handshake outlived its deadline.
	ErrHandshakeExpired = errors.New("handshake expired")
	// ErrHandshakeConsumed is returned when a handshake was already completed.
	ErrHandshakeConsumed = errors.New("handshake already completed")
	// ErrTwoFactorRequired is returned by VerifyPhoneCode when the account has
	// a cloud password and the flow must continue with CompleteTwoFactor.
	ErrTwoFactorRequired = errors.New("two-factor password required")
	// ErrTwoFactorNotPending is returned by CompleteTwoFactor when the
	// handshake never reached the password step.
	ErrTwoFactorNotPending = errors.New("two-factor step not pending")
	// ErrSessionNotFound is returned when no session record matches the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession is returned when the principal has no active session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrQRTokenInvalid is returned when a QR deep link fails signature or
	// shape checks.
	ErrQRTokenInvalid = errors.New("invalid qr token")
	// ErrBackendUnavailable wraps Redis failures behind a stable sentinel.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// coded layers a vocabulary code onto a sentinel. errors.Is still matches the
// sentinel and mterr.CodeOf yields the code, so presentation layers never
// need to know the sentinels.
func coded(sentinel error, code mterr.Code) error {
	return fmt.Errorf("%w: %w", sentinel, mterr.FromCode(code))
}
