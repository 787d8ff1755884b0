// Package limiter throttles callers that keep presenting forged or garbled bearer tokens.
package limiter

import (
	"context"
	"time"
)

// Scope separates counters of the guest and host endpoints.
type Scope string

const (
	ScopeGuest Scope = "guest"
	ScopeHost  Scope = "host"
)

// Limiter tracks token rejections per (scope, client) and places temporary lockouts.
type Limiter interface {
	// Allow reports whether the client may present a token and, if not, for how long it is blocked.
	Allow(ctx context.Context, scope Scope, ipHash []byte) (bool, time.Duration, error)
	// Success clears counters after a token was accepted.
	Success(ctx context.Context, scope Scope, ipHash []byte) error
	// Failure records a rejected token; it may place a block.
	Failure(ctx context.Context, scope Scope, ipHash []byte) (bool, time.Duration, error)
}

// Nop never blocks. Used when lockout is disabled.
type Nop struct{}

func (Nop) Allow(context.Context, Scope, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Nop) Success(context.Context, Scope, []byte) error                     { return nil }
func (Nop) Failure(context.Context, Scope, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
