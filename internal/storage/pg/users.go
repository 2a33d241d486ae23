package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserRepo persists users.
type UserRepo struct {
	db *sql.DB
}

// Upsert creates the user row if missing, otherwise refreshes updated_at.
func (r *UserRepo) Upsert(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`, id)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", id, err)
	}
	return nil
}

// Get fetches one user, or nil if unknown.
func (r *UserRepo) Get(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, phone, state, is_active, created_at, updated_at
		FROM users WHERE id = $1`, id)

	var u User
	err := row.Scan(&u.ID, &u.Phone, &u.State, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// UpdateState sets the user's auth-state tag.
func (r *UserRepo) UpdateState(ctx context.Context, id int64, state string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET state = $2, updated_at = NOW() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("update state for user %d: %w", id, err)
	}
	return nil
}

// UpdatePhone stores the user's encrypted phone number.
func (r *UserRepo) UpdatePhone(ctx context.Context, id int64, encryptedPhone []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET phone = $2, updated_at = NOW() WHERE id = $1`, id, encryptedPhone)
	if err != nil {
		return fmt.Errorf("update phone for user %d: %w", id, err)
	}
	return nil
}

// GetByState lists active users in the given state.
func (r *UserRepo) GetByState(ctx context.Context, state string) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, phone, state, is_active, created_at, updated_at
		FROM users WHERE state = $1 AND is_active`, state)
	if err != nil {
		return nil, fmt.Errorf("users by state %q: %w", state, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Phone, &u.State, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// GetBootstrapCandidates lists users holding a valid session and at least
// one active source; the supervisor starts these at boot.
func (r *UserRepo) GetBootstrapCandidates(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id
		FROM users u
		JOIN sessions se ON se.user_id = u.id AND se.is_valid
		WHERE u.is_active
		  AND EXISTS (SELECT 1 FROM sources s WHERE s.user_id = u.id AND s.is_active)`)
	if err != nil {
		return nil, fmt.Errorf("bootstrap candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
