package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/verder-helpen/comm-livecom/internal/model"
)

// Issuer mints HS256 tokens for one trust domain. The broker itself only
// verifies; issuing is used by brokerctl and tests.
type Issuer struct {
	key []byte
	now func() time.Time
}

// NewIssuer constructs an Issuer signing with key.
func NewIssuer(key []byte) *Issuer { return &Issuer{key: key, now: time.Now} }

// Guest signs a guest token valid for ttl.
func (i *Issuer) Guest(g model.GuestToken, ttl time.Duration) (string, error) {
	return i.sign(guestClaims{
		Purpose:          g.Purpose,
		RedirectURL:      g.RedirectURL,
		Name:             g.Name,
		RoomID:           g.RoomID,
		RegisteredClaims: i.registered(ttl),
	})
}

// Host signs a host token valid for ttl.
func (i *Issuer) Host(h model.HostToken, ttl time.Duration) (string, error) {
	return i.sign(hostClaims{RoomID: h.RoomID, RegisteredClaims: i.registered(ttl)})
}

func (i *Issuer) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	if len(i.key) == 0 {
		return "", errors.New("token: empty signing key")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}
