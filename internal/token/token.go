// Package token verifies and issues the HS256 bearer tokens presented by guests and hosts.
//
// Guest and host tokens live in separate trust domains: each is checked
// against its own key and a Codec refuses to be built with a shared key.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

// DefaultLeeway tolerates small clock skew between token issuers and the broker.
const DefaultLeeway = 30 * time.Second

type guestClaims struct {
	Purpose     string `json:"purpose"`
	RedirectURL string `json:"redirect_url"`
	Name        string `json:"name"`
	RoomID      string `json:"room_id"`
	jwt.RegisteredClaims
}

type hostClaims struct {
	RoomID string `json:"room_id"`
	jwt.RegisteredClaims
}

type options struct {
	leeway time.Duration
	now    func() time.Time
}

// Option tunes temporal validation.
type Option func(*options)

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) Option { return func(o *options) { o.leeway = d } }

// WithClock overrides the time source used for exp/nbf/iat checks.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{leeway: DefaultLeeway, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// VerifyGuest decodes tok, checks its MAC against key and its validity window.
func VerifyGuest(tok string, key []byte, opts ...Option) (model.GuestToken, error) {
	var c guestClaims
	if err := verify(tok, key, &c, buildOptions(opts)); err != nil {
		return model.GuestToken{}, err
	}
	if c.Purpose == "" || c.RedirectURL == "" || c.Name == "" || c.RoomID == "" {
		return model.GuestToken{}, fmt.Errorf("%w: missing guest claims", errs.ErrTokenMalformed)
	}
	return model.GuestToken{
		Purpose:     c.Purpose,
		RedirectURL: c.RedirectURL,
		Name:        c.Name,
		RoomID:      c.RoomID,
	}, nil
}

// VerifyHost decodes tok, checks its MAC against key and its validity window.
func VerifyHost(tok string, key []byte, opts ...Option) (model.HostToken, error) {
	var c hostClaims
	if err := verify(tok, key, &c, buildOptions(opts)); err != nil {
		return model.HostToken{}, err
	}
	if c.RoomID == "" {
		return model.HostToken{}, fmt.Errorf("%w: missing room_id", errs.ErrTokenMalformed)
	}
	return model.HostToken{RoomID: c.RoomID}, nil
}

func verify(tok string, key []byte, claims jwt.Claims, o options) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: no verification key", errs.ErrTokenInvalid)
	}
	_, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(o.leeway),
		jwt.WithTimeFunc(o.now),
	)
	return classify(err)
}

// classify folds jwt parser errors into the broker's token taxonomy.
// Signature checks run before claim validation, so a tampered expired
// token reports ErrTokenInvalid.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", errs.ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", errs.ErrTokenInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", errs.ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", errs.ErrTokenMalformed, err)
	default:
		return fmt.Errorf("%w: %v", errs.ErrTokenInvalid, err)
	}
}

// Codec binds the two trust-domain keys.
type Codec struct {
	guestKey []byte
	hostKey  []byte
	opts     []Option
}

// NewCodec rejects empty keys and a key shared between guest and host domains.
func NewCodec(guestKey, hostKey []byte, opts ...Option) (*Codec, error) {
	if len(guestKey) == 0 || len(hostKey) == 0 {
		return nil, errors.New("token: guest and host keys are required")
	}
	if bytes.Equal(guestKey, hostKey) {
		return nil, errors.New("token: guest and host keys must differ")
	}
	return &Codec{
		guestKey: bytes.Clone(guestKey),
		hostKey:  bytes.Clone(hostKey),
		opts:     opts,
	}, nil
}

// VerifyGuest verifies a guest-domain token.
func (c *Codec) VerifyGuest(tok string) (model.GuestToken, error) {
	return VerifyGuest(tok, c.guestKey, c.opts...)
}

// VerifyHost verifies a host-domain token.
func (c *Codec) VerifyHost(tok string) (model.HostToken, error) {
	return VerifyHost(tok, c.hostKey, c.opts...)
}
