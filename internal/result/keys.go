package result

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseVerifyKey reads the authority's public key from PEM (RSA, ECDSA or Ed25519).
func ParseVerifyKey(pemBytes []byte) (crypto.PublicKey, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseEdPublicKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	return nil, errors.New("result: unsupported or malformed public key")
}

// ParseSigningKey reads an authority private key from PEM (RSA, ECDSA or Ed25519).
func ParseSigningKey(pemBytes []byte) (crypto.PrivateKey, error) {
	if k, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseEdPrivateKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	return nil, errors.New("result: unsupported or malformed private key")
}

// methodsFor lists the JWS algorithms acceptable for a verification key.
func methodsFor(key crypto.PublicKey) ([]string, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}, nil
	case *ecdsa.PublicKey:
		m, err := ecMethod(k.Curve)
		if err != nil {
			return nil, err
		}
		return []string{m.Alg()}, nil
	case ed25519.PublicKey:
		return []string{jwt.SigningMethodEdDSA.Alg()}, nil
	default:
		return nil, fmt.Errorf("result: unsupported verification key %T", key)
	}
}

// signingMethodFor picks the JWS algorithm for a signing key.
func signingMethodFor(key crypto.PrivateKey) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		return ecMethod(k.Curve)
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("result: unsupported signing key %T", key)
	}
}

func ecMethod(c elliptic.Curve) (jwt.SigningMethod, error) {
	switch c {
	case elliptic.P256():
		return jwt.SigningMethodES256, nil
	case elliptic.P384():
		return jwt.SigningMethodES384, nil
	case elliptic.P521():
		return jwt.SigningMethodES512, nil
	default:
		return nil, errors.New("result: unsupported elliptic curve")
	}
}
