// Package crypto holds the broker's random-identifier and sealing primitives.
package crypto

import (
	"crypto/rand"
	"errors"
)

// AttrIDLen is the length of minted attr_id values.
const AttrIDLen = 64

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandString returns n characters drawn uniformly from [A-Za-z0-9].
func RandString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("crypto: non-positive length")
	}
	// 248 is the largest multiple of 62 below 256; rejecting above it keeps the draw unbiased.
	const limit = 256 - 256%len(alphanumeric)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, alphanumeric[int(c)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// NewAttrID mints an opaque session correlation identifier.
func NewAttrID() (string, error) { return RandString(AttrIDLen) }
