// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Token codec failures.
var (
	// ErrTokenMalformed indicates the token envelope or its claims could not be decoded.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenInvalid indicates a signature/MAC mismatch or an unexpected algorithm.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired indicates the token is outside its validity window.
	ErrTokenExpired = errors.New("token expired")
)

// Store and flow failures.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the session already holds an authenticated result.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists indicates a unique constraint violation (e.g. attr_id reuse).
	ErrAlreadyExists = errors.New("already exists")

	// ErrPersistence indicates the session store is unavailable or rejected a write.
	ErrPersistence = errors.New("persistence error")

	// ErrCrypto indicates an auth result blob failed decryption or verification.
	ErrCrypto = errors.New("crypto error")

	// ErrResultExpired indicates a correctly signed auth result whose expiration has passed.
	ErrResultExpired = fmt.Errorf("%w: result expired", ErrCrypto)

	// ErrUpstream indicates the authority was unreachable or answered with an unexpected shape.
	ErrUpstream = errors.New("upstream error")

	// ErrRateLimited indicates a temporary lockout after repeated token rejections.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates a request argument failed basic validation.
	ErrValidation = errors.New("validation")
)

// IsTokenError reports whether err belongs to the token rejection family.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired)
}
