package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/blake3"
)

// PG is a PostgreSQL-backed limiter with a fixed failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter. *pgxpool.Pool satisfies q.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails < 1 {
		maxFails = 1
	}
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashIP returns an unkeyed blake3 digest of the client address so raw IPs are never stored.
func HashIP(ip string) []byte {
	h := blake3.Sum256([]byte(ip))
	return h[:]
}

// Allow reports whether the client is currently unblocked.
func (l *PG) Allow(ctx context.Context, scope Scope, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM token_limiter WHERE scope=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, string(scope), ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (scope, ip).
func (l *PG) Success(ctx context.Context, scope Scope, ipHash []byte) error {
	const q = `
UPDATE token_limiter
SET fail_count=0, blocked_until='epoch', updated_at=now()
WHERE scope=$1 AND ip_hash=$2 AND fail_count > 0`
	_, err := l.pool.Exec(ctx, q, string(scope), ipHash)
	return err
}

// Failure counts a rejected token; reaching the threshold blocks the client for blockFor.
func (l *PG) Failure(ctx context.Context, scope Scope, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO token_limiter (scope, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (scope, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - token_limiter.updated_at > $3::interval THEN 1 ELSE token_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, string(scope), ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	until := l.now().Add(l.blockFor)
	const upd = `UPDATE token_limiter SET blocked_until=$3, fail_count=0 WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, string(scope), ipHash, until); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
