package sealer

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	s, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	plaintext := []byte("auth-key-material")

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload leaks plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealProducesUniqueNonces(t *testing.T) {
	s := newTestSealer(t)

	a, err := s.Seal([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Seal([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal([]byte("auth-key-material"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := s.Open(sealed); err == nil {
		t.Fatal("tampered payload must fail authentication")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	s := newTestSealer(t)
	if _, err := s.Open([]byte("short")); err == nil {
		t.Fatal("truncated payload must be rejected")
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatal("16-byte key must be rejected")
	}
}

func TestFromPassphraseDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	cfg := KDFConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1}

	a, err := FromPassphrase("correct horse battery staple", salt, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromPassphrase("correct horse battery staple", salt, cfg)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := a.Seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	opened, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("same passphrase+salt must derive the same key: %v", err)
	}
	if string(opened) != "payload" {
		t.Fatalf("got %q", opened)
	}
}

func TestFromPassphraseValidation(t *testing.T) {
	salt := []byte("0123456789abcdef")
	good := KDFConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1}

	cases := []struct {
		name string
		pass string
		salt []byte
		cfg  KDFConfig
	}{
		{"empty passphrase", "", salt, good},
		{"short salt", "pass", []byte("short"), good},
		{"low memory", "pass", salt, KDFConfig{Memory: 1024, Time: 1, Parallelism: 1}},
		{"zero time", "pass", salt, KDFConfig{Memory: 8 * 1024, Time: 0, Parallelism: 1}},
		{"zero parallelism", "pass", salt, KDFConfig{Memory: 8 * 1024, Time: 1, Parallelism: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromPassphrase(tc.pass, tc.salt, tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
