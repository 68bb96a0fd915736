package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	formatVersionCurrent = 1
)

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode serializes a session into the versioned binary record stored in
// Redis. The sealed payload is written as-is; Encode never sees plaintext
// protocol material.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(formatVersionCurrent)
	buf.WriteByte(uint8(s.Status))

	for _, field := range []string{s.SessionID, s.Principal, s.PhoneNumber, s.InvalidReason, s.CreatedIP, s.CreatedUserAgent} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	if len(s.Payload) > 1<<20 {
		return nil, errors.New("payload too large")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.Payload))); err != nil {
		return nil, err
	}
	buf.Write(s.Payload)

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.LastUsedAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a stored session record.
func Decode(data []byte) (*Session, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != formatVersionCurrent {
		return nil, errors.New("invalid session record version")
	}

	status, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	s := &Session{Status: Status(status)}

	for _, dst := range []*string{&s.SessionID, &s.Principal, &s.PhoneNumber, &s.InvalidReason, &s.CreatedIP, &s.CreatedUserAgent} {
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, err
	}
	if payloadLen > 1<<20 {
		return nil, errors.New("payload too large")
	}
	s.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, s.Payload); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &s.LastUsedAt); err != nil {
		return nil, err
	}

	return s, nil
}
