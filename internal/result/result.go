// Package result authenticates the result blobs the authority posts back.
//
// A blob is a JWT signed by the authority carrying the verification outcome
// and its own expiration. When the broker holds an age identity the JWT
// arrives wrapped in an age envelope (base64) and plain JWTs are refused.
//
// Two checks exist on purpose. Accept runs on the write path and always
// enforces expiration, so nothing stale or forged reaches storage.
// Project runs on the read path and re-derives the claims from a stored
// blob; whether it re-checks expiration is the caller's policy.
package result

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bcrypto "github.com/verder-helpen/comm-livecom/internal/crypto"
	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

type resultClaims struct {
	Status     model.AuthStatus  `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SessionURL string            `json:"session_url,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies (and optionally decrypts) auth result blobs.
type Authenticator struct {
	verifyKey crypto.PublicKey
	methods   []string
	identity  *bcrypto.Identity
	leeway    time.Duration
	now       func() time.Time
}

// Option tunes an Authenticator.
type Option func(*Authenticator)

// WithLeeway sets clock-skew tolerance on the expiration check.
func WithLeeway(d time.Duration) Option { return func(a *Authenticator) { a.leeway = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(a *Authenticator) { a.now = now } }

// NewAuthenticator binds the authority verification key and the optional decryption identity.
func NewAuthenticator(verifyKey crypto.PublicKey, identity *bcrypto.Identity, opts ...Option) (*Authenticator, error) {
	methods, err := methodsFor(verifyKey)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		verifyKey: verifyKey,
		methods:   methods,
		identity:  identity,
		now:       time.Now,
	}
	for _, fn := range opts {
		fn(a)
	}
	return a, nil
}

// Encrypted reports whether blobs must arrive age-sealed.
func (a *Authenticator) Encrypted() bool { return a.identity != nil }

// Accept verifies a freshly posted blob: signature valid and expiration in the future.
// Any failure wraps errs.ErrCrypto; an expired but well-signed blob wraps errs.ErrResultExpired.
func (a *Authenticator) Accept(raw model.AuthResult) (model.ClaimSet, error) {
	return a.verify(raw, true)
}

// Project re-derives viewable claims from a stored blob. With enforceExpiration
// false the signature is still checked but a stale result stays viewable.
// Callers omit the result on error rather than failing the aggregate.
func (a *Authenticator) Project(stored model.AuthResult, enforceExpiration bool) (*model.ClaimSet, error) {
	cs, err := a.verify(stored, enforceExpiration)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (a *Authenticator) verify(raw model.AuthResult, checkExpiry bool) (model.ClaimSet, error) {
	tok, err := a.unwrap(string(raw))
	if err != nil {
		return model.ClaimSet{}, err
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(a.methods)}
	if checkExpiry {
		opts = append(opts,
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(a.leeway),
			jwt.WithTimeFunc(a.now),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var c resultClaims
	_, err = jwt.ParseWithClaims(tok, &c, func(*jwt.Token) (any, error) { return a.verifyKey, nil }, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.ClaimSet{}, fmt.Errorf("%w: %v", errs.ErrResultExpired, err)
	default:
		return model.ClaimSet{}, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}

	if c.Status != model.AuthStatusSuccess && c.Status != model.AuthStatusFailed {
		return model.ClaimSet{}, fmt.Errorf("%w: unknown status %q", errs.ErrCrypto, c.Status)
	}
	return model.ClaimSet{
		Status:     c.Status,
		Attributes: c.Attributes,
		SessionURL: c.SessionURL,
	}, nil
}

func (a *Authenticator) unwrap(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty result", errs.ErrCrypto)
	}
	if a.identity == nil {
		return raw, nil
	}
	pt, err := bcrypto.Open(raw, a.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	return string(pt), nil
}
