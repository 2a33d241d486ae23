package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SessionRepo persists encrypted session blobs, one row per user.
type SessionRepo struct {
	db *sql.DB
}

// Upsert stores a fresh blob and resets the valid flag.
func (r *SessionRepo) Upsert(ctx context.Context, userID int64, data []byte, hash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, session_data, session_hash, is_valid, last_used_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			session_data = EXCLUDED.session_data,
			session_hash = EXCLUDED.session_hash,
			is_valid = TRUE,
			last_used_at = NOW()`, userID, data, hash)
	if err != nil {
		return fmt.Errorf("upsert session for user %d: %w", userID, err)
	}
	return nil
}

// GetValid fetches the user's session row iff it is marked valid.
func (r *SessionRepo) GetValid(ctx context.Context, userID int64) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_data, session_hash, is_valid, created_at, last_used_at, expires_at
		FROM sessions WHERE user_id = $1 AND is_valid`, userID)

	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.SessionData, &s.SessionHash,
		&s.IsValid, &s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session for user %d: %w", userID, err)
	}
	return &s, nil
}

// Touch refreshes last_used_at.
func (r *SessionRepo) Touch(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_used_at = NOW() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("touch session for user %d: %w", userID, err)
	}
	return nil
}

// Invalidate marks the session unusable without deleting the blob.
func (r *SessionRepo) Invalidate(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_valid = FALSE WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("invalidate session for user %d: %w", userID, err)
	}
	return nil
}
