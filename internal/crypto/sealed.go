package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Identity is an age X25519 private key used to open sealed result blobs.
type Identity struct{ id *age.X25519Identity }

// ParseIdentity parses an AGE-SECRET-KEY-1... string. Comment lines are ignored
// so the output of age-keygen can be used as-is.
func ParseIdentity(s string) (*Identity, error) {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		return &Identity{id: id}, nil
	}
	return nil, errors.New("parse age identity: no key found")
}

// GenerateIdentity creates a fresh X25519 identity.
func GenerateIdentity() (*Identity, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &Identity{id: id}, nil
}

// String returns the secret key encoding. Never log it.
func (i *Identity) String() string { return i.id.String() }

// Recipient returns the public age1... key matching the identity.
func (i *Identity) Recipient() string { return i.id.Recipient().String() }

// Seal encrypts plaintext to the given age1... recipients and returns base64 ciphertext.
func Seal(plaintext []byte, recipientKeys ...string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", errors.New("seal: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("seal: parse recipient: %w", err)
		}
		recipients = append(recipients, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("seal: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal: finalize: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a base64 ciphertext produced by Seal.
func Open(ciphertext string, id *Identity) ([]byte, error) {
	if id == nil {
		return nil, errors.New("open: no identity")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("open: decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id.id)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	pt, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("open: read: %w", err)
	}
	return pt, nil
}
