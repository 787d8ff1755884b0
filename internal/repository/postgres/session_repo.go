package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionColumns = `id, attr_id, room_id, purpose, redirect_url, name, COALESCE(auth_result, ''), created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.Session, error) {
	var (
		s      model.Session
		result string
	)
	err := row.Scan(&s.ID, &s.AttrID, &s.RoomID,
		&s.GuestToken.Purpose, &s.GuestToken.RedirectURL, &s.GuestToken.Name,
		&result, &s.CreatedAt)
	if err != nil {
		return model.Session{}, err
	}
	s.GuestToken.RoomID = s.RoomID
	if result != "" {
		r := model.AuthResult(result)
		s.AuthResult = &r
	}
	return s, nil
}

// Create inserts a new session row with an empty auth result.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	if s.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		s.ID = id
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	const q = `
INSERT INTO sessions (id, attr_id, room_id, purpose, redirect_url, name)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q,
		s.ID, s.AttrID, s.GuestToken.RoomID,
		s.GuestToken.Purpose, s.GuestToken.RedirectURL, s.GuestToken.Name,
	).Scan(&s.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	s.RoomID = s.GuestToken.RoomID
	s.AuthResult = nil
	return nil
}

// GetByAttrID selects a session by its callback key.
func (r *SessionRepo) GetByAttrID(ctx context.Context, attrID string) (*model.Session, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE attr_id=$1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, attrID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListByRoom returns every session of a room, oldest first.
func (r *SessionRepo) ListByRoom(ctx context.Context, roomID string) ([]model.Session, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE room_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetAuthResultIfEmpty writes the result only while auth_result is NULL (first write wins).
func (r *SessionRepo) SetAuthResultIfEmpty(ctx context.Context, attrID string, result model.AuthResult) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	const upd = `
UPDATE sessions
SET auth_result = $2, completed_at = now()
WHERE attr_id = $1 AND auth_result IS NULL`
	tag, err := r.db.Pool.Exec(ctx, upd, attrID, string(result))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	const probe = `SELECT EXISTS (SELECT 1 FROM sessions WHERE attr_id = $1)`
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, probe, attrID).Scan(&exists); err != nil {
		return fmt.Errorf("probe session: %w", err)
	}
	if !exists {
		return errs.ErrNotFound
	}
	return errs.ErrConflict
}

// Ping checks the pool.
func (r *SessionRepo) Ping(ctx context.Context) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	return r.db.Pool.Ping(ctx)
}
