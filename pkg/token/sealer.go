package token

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts refresh credentials before they're persisted.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Unseal(sealed string) (string, error)
}

// AgeSealer seals credentials to an X25519 age identity. The output is
// base64 so it fits a text column. Sealing is randomized: the same input
// never yields the same ciphertext twice.
type AgeSealer struct {
	identity *age.X25519Identity
}

var _ Sealer = (*AgeSealer)(nil)

// NewAgeSealer parses an AGE-SECRET-KEY-1... identity.
func NewAgeSealer(identity string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &AgeSealer{identity: id}, nil
}

// Seal implements Sealer.
func (s *AgeSealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unseal implements Sealer.
func (s *AgeSealer) Unseal(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed credential: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted credential: %w", err)
	}
	return string(plain), nil
}
