package sealer

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength         = 16
	keyLength      uint32 = chacha20poly1305.KeySize
)

// KDFConfig tunes the Argon2id derivation used by FromPassphrase.
type KDFConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
}

// DefaultKDFConfig returns the recommended derivation parameters.
func DefaultKDFConfig() KDFConfig {
	return KDFConfig{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
	}
}

// Sealer performs authenticated encryption of session payloads. Safe for
// concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a [Sealer] from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// FromPassphrase derives the sealing key from a passphrase with Argon2id.
// The salt must be stable across restarts or previously sealed payloads
// become unreadable.
func FromPassphrase(passphrase string, salt []byte, cfg KDFConfig) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty sealing passphrase")
	}
	if len(salt) < minSaltLength {
		return nil, errors.New("sealing salt must be >= 16 bytes")
	}
	if err := validateKDF(cfg); err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), salt, cfg.Time, cfg.Memory, cfg.Parallelism, keyLength)
	return New(key)
}

// Seal encrypts plaintext. Output is nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload. Tampered or truncated input fails
// authentication.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func validateKDF(cfg KDFConfig) error {
	if cfg.Memory < minMemoryKB {
		return errors.New("kdf memory must be >= 8192 KB")
	}
	if cfg.Time < minTimeCost {
		return errors.New("kdf time must be >= 1")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("kdf parallelism must be >= 1")
	}
	return nil
}
