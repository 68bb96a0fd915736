package mterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Code is a stable, closed error vocabulary exposed to every caller of the
// engine. Presentation layers switch on Code and never see raw protocol
// error strings.
type Code string

const (
	CodeFloodWait          Code = "FLOOD_WAIT"
	CodeTooManyRequests    Code = "TOO_MANY_REQUESTS"
	CodePhoneCodeInvalid   Code = "PHONE_CODE_INVALID"
	CodePhoneCodeExpired   Code = "PHONE_CODE_EXPIRED"
	CodePhoneNumberInvalid Code = "PHONE_NUMBER_INVALID"
	CodePhoneNumberBanned  Code = "PHONE_NUMBER_BANNED"
	CodeInvalid2FAPassword Code = "INVALID_2FA_PASSWORD"
	CodeSessionInvalid     Code = "SESSION_INVALID"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeDCMigrate          Code = "DC_MIGRATE"
	CodeRetry              Code = "RETRY"
	CodeTimeout            Code = "TIMEOUT"
	CodeValidation         Code = "VALIDATION_ERROR"
)

// Error is a protocol failure translated into the stable vocabulary.
// RetryAfter is in seconds and only set for rate-limit codes.
type Error struct {
	Code       Code
	Message    string
	RetryAfter int

	// tag is the raw protocol tag the error was mapped from. Mapping folds
	// several tags into one code, so helpers like IsTwoFactorRequired need
	// the original tag after the raw error is gone.
	tag string
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %ds)", e.Code, e.Message, e.RetryAfter)
	}
	return string(e.Code) + ": " + e.Message
}

// Retryable reports whether the engine may attempt one bounded automatic
// retry before surfacing the error.
func (e *Error) Retryable() bool {
	return e != nil && (e.Code == CodeDCMigrate || e.Code == CodeRetry)
}

// rpcError is the optional structured shape of a protocol client error.
// Clients that expose numeric codes and message tags implement it; everything
// else is matched on the error text.
type rpcError interface {
	ErrorCode() int
	ErrorMessage() string
}

// twoFactorTag is the protocol message signalling that a correct phone code
// was accepted but the account has a cloud password. It is intentionally not
// part of the public vocabulary: callers use IsTwoFactorRequired.
const twoFactorTag = "SESSION_PASSWORD_NEEDED"

// parametric protocol tags: TAG_%d, where the suffix is seconds (flood) or a
// datacenter number (migrate).
var waitTags = []string{
	"FLOOD_WAIT_",
	"FLOOD_PREMIUM_WAIT_",
	"SLOWMODE_WAIT_",
	"TAKEOUT_INIT_DELAY_",
}

var migrateTags = []string{
	"PHONE_MIGRATE_",
	"NETWORK_MIGRATE_",
	"USER_MIGRATE_",
	"FILE_MIGRATE_",
	"STATS_MIGRATE_",
}

// exact protocol tags. Order matters only for readability; lookup is by map.
var exactTags = map[string]Code{
	"PHONE_CODE_INVALID":          CodePhoneCodeInvalid,
	"PHONE_CODE_EMPTY":            CodePhoneCodeInvalid,
	"PHONE_CODE_EXPIRED":          CodePhoneCodeExpired,
	"PHONE_CODE_HASH_EMPTY":       CodePhoneCodeExpired,
	"CODE_INVALID":                CodePhoneCodeInvalid,
	"CODE_EMPTY":                  CodePhoneCodeInvalid,
	"PHONE_NUMBER_INVALID":        CodePhoneNumberInvalid,
	"PHONE_NUMBER_UNOCCUPIED":     CodePhoneNumberInvalid,
	"PHONE_NUMBER_BANNED":         CodePhoneNumberBanned,
	"PHONE_NUMBER_FLOOD":          CodeTooManyRequests,
	"PHONE_PASSWORD_FLOOD":        CodeTooManyRequests,
	"PASSWORD_HASH_INVALID":       CodeInvalid2FAPassword,
	"SRP_PASSWORD_CHANGED":        CodeInvalid2FAPassword,
	"SRP_ID_INVALID":              CodeInvalid2FAPassword,
	"PASSWORD_EMPTY":              CodeInvalid2FAPassword,
	twoFactorTag:                  CodeInvalid2FAPassword,
	"AUTH_KEY_UNREGISTERED":       CodeSessionInvalid,
	"AUTH_KEY_INVALID":            CodeSessionInvalid,
	"AUTH_KEY_DUPLICATED":         CodeSessionInvalid,
	"AUTH_KEY_PERM_EMPTY":         CodeSessionInvalid,
	"SESSION_REVOKED":             CodeSessionInvalid,
	"SESSION_EXPIRED":             CodeSessionInvalid,
	"USER_DEACTIVATED":            CodeSessionInvalid,
	"USER_DEACTIVATED_BAN":        CodeSessionInvalid,
	"AUTH_TOKEN_EXPIRED":          CodePhoneCodeExpired,
	"AUTH_TOKEN_INVALID":          CodeValidation,
	"AUTH_TOKEN_ALREADY_ACCEPTED": CodePhoneCodeExpired,
	"AUTH_RESTART":                CodeRetry,
	"RPC_CALL_FAIL":               CodeRetry,
	"RPC_MCGET_FAIL":              CodeRetry,
	"CONNECTION_NOT_INITED":       CodeRetry,
	"CONNECTION_SYSTEM_EMPTY":     CodeRetry,
	"MSG_WAIT_FAILED":             CodeRetry,
	"API_ID_INVALID":              CodeValidation,
	"API_ID_PUBLISHED_FLOOD":      CodeTooManyRequests,
	"INPUT_REQUEST_TOO_LONG":      CodeValidation,
	"TIMEOUT":                     CodeTimeout,
}

var friendly = map[Code]string{
	CodeFloodWait:          "too many attempts, wait before retrying",
	CodeTooManyRequests:    "too many requests",
	CodePhoneCodeInvalid:   "the confirmation code is incorrect",
	CodePhoneCodeExpired:   "the confirmation code has expired, request a new one",
	CodePhoneNumberInvalid: "the phone number is not valid",
	CodePhoneNumberBanned:  "the phone number is banned from the platform",
	CodeInvalid2FAPassword: "the two-factor password is incorrect",
	CodeSessionInvalid:     "the session is no longer valid, re-authentication is required",
	CodeSessionNotFound:    "no session found",
	CodeDCMigrate:          "the account lives on another datacenter",
	CodeRetry:              "a transient error occurred, retry the operation",
	CodeTimeout:            "the operation timed out",
	CodeValidation:         "the request is invalid",
}

// Map translates any error raised by the protocol client into the stable
// vocabulary. It is total: unrecognized protocol tags degrade to
// VALIDATION_ERROR and unrecognized transport failures to RETRY, never the
// raw string. Map(nil) returns nil.
func Map(err error) *Error {
	if err == nil {
		return nil
	}

	// Already mapped: pass through unchanged so double-mapping is harmless.
	var mapped *Error
	if errors.As(err, &mapped) {
		return mapped
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(CodeTimeout, 0)
	}

	msg := rawMessage(err)

	for _, tag := range waitTags {
		if secs, ok := tagSuffix(msg, tag); ok {
			e := newError(CodeFloodWait, secs)
			return e
		}
	}

	for _, tag := range migrateTags {
		if dc, ok := tagSuffix(msg, tag); ok {
			e := newError(CodeDCMigrate, 0)
			e.Message = fmt.Sprintf("%s (dc %d)", e.Message, dc)
			return e
		}
	}

	if tag := protocolTag(msg); tag != "" {
		if code, ok := exactTags[tag]; ok {
			e := newError(code, 0)
			e.tag = tag
			return e
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CodeTimeout, 0)
	}

	// Protocol-shaped but unknown tags are caller mistakes; anything else is
	// assumed transient transport trouble.
	if looksLikeProtocolTag(msg) {
		return newError(CodeValidation, 0)
	}
	return newError(CodeRetry, 0)
}

// IsTwoFactorRequired reports whether the error signals that the account has
// a cloud password and the flow must continue with a 2FA verification. This
// is the only sanctioned way to detect the condition. It works on raw
// protocol errors and on already-mapped ones alike.
func IsTwoFactorRequired(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.tag == twoFactorTag
	}
	return protocolTag(rawMessage(err)) == twoFactorTag
}

// As unwraps a mapped error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the mapped code of err, or the empty Code when err carries
// no mapped error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// RateLimited builds the admission-control error surfaced when a local
// request budget is exhausted. retryAfter is in seconds.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeTooManyRequests,
		Message:    friendly[CodeTooManyRequests],
		RetryAfter: retryAfter,
	}
}

// FromCode builds the canonical error for a code. Used when a condition is
// detected locally, such as an expired handshake or a missing session, and
// must surface in the stable vocabulary.
func FromCode(code Code) *Error {
	return newError(code, 0)
}

// Validation builds a VALIDATION_ERROR with a caller-facing message. Used
// for input rejected before any protocol call is attempted.
func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// NotFound builds the SESSION_NOT_FOUND error.
func NotFound() *Error {
	return &Error{Code: CodeSessionNotFound, Message: friendly[CodeSessionNotFound]}
}

// SessionInvalid builds the SESSION_INVALID error with a reason attached to
// the message.
func SessionInvalid(reason string) *Error {
	e := newError(CodeSessionInvalid, 0)
	if reason != "" {
		e.Message = e.Message + ": " + reason
	}
	return e
}

func newError(code Code, retryAfter int) *Error {
	return &Error{Code: code, Message: friendly[code], RetryAfter: retryAfter}
}

func rawMessage(err error) string {
	var rpc rpcError
	if errors.As(err, &rpc) {
		return rpc.ErrorMessage()
	}
	return err.Error()
}

// protocolTag extracts the ALL_CAPS tag from a raw message, tolerating
// wrappers like "rpc error 400: PHONE_CODE_INVALID (caused by auth.signIn)".
func protocolTag(msg string) string {
	for _, field := range strings.Fields(msg) {
		field = strings.Trim(field, "():,.")
		if looksLikeProtocolTag(field) {
			return field
		}
	}
	return ""
}

// tagSuffix matches "TAG_123" anywhere in msg and returns the numeric suffix.
func tagSuffix(msg, tag string) (int, bool) {
	idx := strings.Index(msg, tag)
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len(tag):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func looksLikeProtocolTag(s string) bool {
	if len(s) < 4 || !strings.Contains(s, "_") {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
