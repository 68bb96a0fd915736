package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

type HandshakeID [16]byte

func NewHandshakeID() (HandshakeID, error) {
	var hid HandshakeID
	_, err := rand.Read(hid[:])
	return hid, err
}

func (h HandshakeID) Bytes() []byte {
	return h[:]
}

func (h HandshakeID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func ParseHandshakeID(handshakeID string) (HandshakeID, error) {
	var hid HandshakeID

	raw, err := base64.RawURLEncoding.DecodeString(handshakeID)
	if err != nil {
		return hid, err
	}
	if len(raw) != len(hid) {
		return hid, errors.New("invalid handshake id size")
	}

	copy(hid[:], raw)
	return hid, nil
}
