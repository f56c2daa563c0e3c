// Package cryptox seals small secrets (tokens, refresh credentials) before
// they touch disk.
package cryptox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeyEnv is read when no key file is configured.
const MasterKeyEnv = "SESSION_MASTER_KEY"

var ErrOpen = errors.New("cryptox: cannot open sealed value")

// Sealer does XChaCha20-Poly1305 authenticated encryption under a key
// derived with HKDF-SHA256 from the master key material.
// The output format is: [24-byte nonce][ciphertext][16-byte tag]
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key for purpose from keyMaterial. Different
// purposes yield unrelated keys from the same master key.
func NewSealer(keyMaterial []byte, purpose string) (*Sealer, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("cryptox: empty key material")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, keyMaterial, nil, []byte("sessionkit/"+purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. label is authenticated but not encrypted; the
// same label has to be passed to Open, which binds a value to its slot.
func (s *Sealer) Seal(plaintext []byte, label string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte, label string) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrOpen)
	}

	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}

// LoadMasterKey loads key material from:
// 1. the file at path (if set)
// 2. the SESSION_MASTER_KEY environment variable
// 3. a random ephemeral key; persisted values then do not survive a restart
//
// ephemeral reports the third case so the caller can warn about it.
func LoadMasterKey(path string) (key []byte, ephemeral bool, err error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read master key file: %w", err)
		}
		data = []byte(strings.TrimSpace(string(data)))
		if len(data) == 0 {
			return nil, false, fmt.Errorf("master key file %s is empty", path)
		}
		return data, false, nil
	}

	if env := os.Getenv(MasterKeyEnv); env != "" {
		return []byte(env), false, nil
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate ephemeral master key: %w", err)
	}
	return key, true, nil
}
