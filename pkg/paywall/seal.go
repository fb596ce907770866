package paywall

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// SealedPrefix marks a claimed token that was encrypted before storage.
const SealedPrefix = "age:"

// Sealer encrypts claimed tokens to one or more age recipients so a
// leaked database does not leak spendable e-cash.
type Sealer struct {
	recipients []age.Recipient
}

// NewSealer parses age X25519 public keys (age1...).
func NewSealer(recipientKeys []string) (*Sealer, error) {
	if len(recipientKeys) == 0 {
		return nil, errors.New("paywall: at least one age recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("paywall: parsing age recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return &Sealer{recipients: recipients}, nil
}

// Seal encrypts token and returns it base64-encoded behind SealedPrefix.
func (s *Sealer) Seal(token string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("paywall: creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, token); err != nil {
		return "", fmt.Errorf("paywall: encrypting token: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("paywall: finalizing encryption: %w", err)
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// IsSealed reports whether a stored token was sealed.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, SealedPrefix)
}

// Unseal decrypts a sealed token with any of identities. Unsealed input
// is returned unchanged.
func Unseal(stored string, identities ...age.Identity) (string, error) {
	encoded, ok := strings.CutPrefix(stored, SealedPrefix)
	if !ok {
		return stored, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("paywall: decoding sealed token: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("paywall: decrypting sealed token: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("paywall: reading decrypted token: %w", err)
	}
	return string(plaintext), nil
}
