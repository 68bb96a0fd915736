package session

// Session is one attached messaging account. The Payload field holds the
// protocol session material in sealed (encrypted) form only; plaintext exists
// transiently in engine memory during an authenticated operation.
type Session struct {
	SessionID string
	Principal string

	Status Status

	// PhoneNumber is cleared (redacted) when the session reaches a terminal
	// state.
	PhoneNumber string

	// InvalidReason is the taxonomy code recorded when the session was
	// invalidated remotely; empty otherwise.
	InvalidReason string

	Payload []byte

	CreatedIP        string
	CreatedUserAgent string

	CreatedAt  int64
	LastUsedAt int64
}
