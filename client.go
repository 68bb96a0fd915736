package tglink

import "context"

// Result is the decoded upstream response. Values are the upstream's own
// field names; the engine picks out what it needs and never hands the raw
// map to callers.
type Result = map[string]any

// ProtocolClient is the upstream transport the engine drives. Implementations
// translate method+params into actual protocol calls and return either a
// decoded result or an error whose message carries the upstream error tag
// (for example a flood-wait tag with its retry delay); package mterr owns
// the mapping of those tags.
//
// Methods the engine invokes, and the result fields it reads:
//
//	auth.sendCode          -> "phone_code_hash" (string), "code_length" (int)
//	auth.signIn            -> "session" ([]byte or string), "user_id" (string)
//	account.getPassword    -> "hint" (string)
//	auth.checkPassword     -> "session", "user_id"
//	auth.exportLoginToken  -> "token" ([]byte or string)
//	auth.acceptToken       -> "session", "user_id"
//
// SendAuthorized carries the opened session material of an active session so
// the call executes in that session's context.
type ProtocolClient interface {
	Send(ctx context.Context, method string, params map[string]any) (Result, error)
	SendAuthorized(ctx context.Context, sessionPayload []byte, method string, params map[string]any) (Result, error)
}

func resultString(r Result, key string) string {
	if r == nil {
		return ""
	}
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func resultBytes(r Result, key string) []byte {
	if r == nil {
		return nil
	}
	switch v := r[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func resultInt(r Result, key string) int {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
