package peer

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassword is returned when the keyring cannot be unlocked.
var ErrWrongPassword = errors.New("keyring password is wrong")

// KDFParams are the argon2id parameters used to derive the keyring key.
// They are fixed when the keyring is first created.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFParams follows the argon2id recommendation for interactive use.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

const saltSize = 16

// sealer encrypts keyring records with XChaCha20-Poly1305. The record id
// is bound as additional data so records cannot be swapped.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(password string, salt []byte, params KDFParams) (*sealer, error) {
	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Threads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyring cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(id string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keyring nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(id)), nil
}

func (s *sealer) open(id string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("keyring record %s is truncated", id)
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(id))
	if err != nil {
		return nil, fmt.Errorf("keyring record %s: %w", id, ErrWrongPassword)
	}
	return plain, nil
}
