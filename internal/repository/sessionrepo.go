// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/verder-helpen/comm-livecom/internal/model"
)

// SessionRepository persists verification sessions keyed by attr_id.
type SessionRepository interface {
	// Create durably inserts a new session with no auth result.
	// A duplicate attr_id yields errs.ErrAlreadyExists.
	Create(ctx context.Context, s *model.Session) error
	// GetByAttrID loads a session by its callback key or returns errs.ErrNotFound.
	GetByAttrID(ctx context.Context, attrID string) (*model.Session, error)
	// ListByRoom returns all sessions of a room ordered by creation time; empty is not an error.
	ListByRoom(ctx context.Context, roomID string) ([]model.Session, error)
	// SetAuthResultIfEmpty stores the result only if none is set yet.
	// Returns errs.ErrNotFound for an unknown attr_id and errs.ErrConflict when a result exists.
	SetAuthResultIfEmpty(ctx context.Context, attrID string, result model.AuthResult) error
	// Ping reports store health.
	Ping(ctx context.Context) error
}
