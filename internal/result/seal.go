package result

import (
	"crypto"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bcrypto "github.com/verder-helpen/comm-livecom/internal/crypto"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

// Sealer produces result blobs the way the authority does. The broker never
// seals in production; brokerctl and tests use it to simulate the authority.
type Sealer struct {
	method     jwt.SigningMethod
	key        crypto.PrivateKey
	recipients []string
	now        func() time.Time
}

// NewSealer signs with key and, when recipients are given, age-encrypts to them.
func NewSealer(key crypto.PrivateKey, recipients ...string) (*Sealer, error) {
	m, err := signingMethodFor(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{method: m, key: key, recipients: recipients, now: time.Now}, nil
}

// Seal signs cs with an expiration ttl from now; a negative ttl yields an already-expired blob.
func (s *Sealer) Seal(cs model.ClaimSet, ttl time.Duration) (model.AuthResult, error) {
	now := s.now()
	claims := resultClaims{
		Status:     cs.Status,
		Attributes: cs.Attributes,
		SessionURL: cs.SessionURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", err
	}
	if len(s.recipients) == 0 {
		return model.AuthResult(signed), nil
	}
	sealed, err := bcrypto.Seal([]byte(signed), s.recipients...)
	if err != nil {
		return "", err
	}
	return model.AuthResult(sealed), nil
}
