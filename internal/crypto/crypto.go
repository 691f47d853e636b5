// Package crypto seals secrets at rest, such as the remote API credential.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
	// ErrEmptySecret is returned when sealing an empty secret.
	ErrEmptySecret = errors.New("secret cannot be empty")
)

const keyPrefix = "quill-sync:"

// Sealer encrypts and decrypts values bound to a purpose label.
// A value sealed for one purpose fails to open under another.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from secret with SHA-256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256(secret)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// NewMachineSealer derives the sealing key from a machine identifier.
// Falls back to a fixed identifier if machineID is empty.
func NewMachineSealer(machineID string) (*Sealer, error) {
	return NewSealer(MachineKey(machineID))
}

// Seal encrypts plaintext and returns nonce||ciphertext as base64.
func (s *Sealer) Seal(plaintext []byte, purpose string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, plaintext, []byte(purpose))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any tampering, wrong key or wrong purpose yields
// ErrInvalidCiphertext.
func (s *Sealer) Open(sealed, purpose string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(purpose))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SealString seals a non-empty string secret.
func (s *Sealer) SealString(secret, purpose string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	return s.Seal([]byte(secret), purpose)
}

// OpenString opens a sealed string. An empty input means no secret was stored.
func (s *Sealer) OpenString(sealed, purpose string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, err := s.Open(sealed, purpose)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// MachineKey derives key material from a machine identifier.
func MachineKey(machineID string) []byte {
	if machineID == "" {
		machineID = "default"
	}
	hash := sha256.Sum256([]byte(keyPrefix + machineID))
	return hash[:]
}

// MachineID returns a best-effort stable identifier for this host:
// /etc/machine-id on Linux, otherwise the hostname.
func MachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, _ := os.Hostname()
	return host
}
