package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SourceRepo persists monitored channels.
type SourceRepo struct {
	db *sql.DB
}

// Add inserts a new source. The (user_id, channel_id) pair is unique;
// re-adding a removed source should go through SetActive instead.
func (r *SourceRepo) Add(ctx context.Context, userID, channelID int64, username sql.NullString, title string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sources (user_id, channel_id, channel_username, channel_title)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, channel_id, channel_username, channel_title,
		          is_active, last_message_id, added_at, last_checked_at`,
		userID, channelID, username, title)
	return scanSource(row)
}

// GetByChannel fetches a source by its owning user and channel ID,
// active or not. Returns nil when absent.
func (r *SourceRepo) GetByChannel(ctx context.Context, userID, channelID int64) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, channel_username, channel_title,
		       is_active, last_message_id, added_at, last_checked_at
		FROM sources WHERE user_id = $1 AND channel_id = $2`, userID, channelID)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetByID fetches a source row, or nil when absent.
func (r *SourceRepo) GetByID(ctx context.Context, id int64) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, channel_username, channel_title,
		       is_active, last_message_id, added_at, last_checked_at
		FROM sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetActiveByUser lists the user's active sources.
func (r *SourceRepo) GetActiveByUser(ctx context.Context, userID int64) ([]*Source, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, channel_id, channel_username, channel_title,
		       is_active, last_message_id, added_at, last_checked_at
		FROM sources WHERE user_id = $1 AND is_active ORDER BY added_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("sources for user %d: %w", userID, err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// CountActive returns the number of active sources for quota checks.
func (r *SourceRepo) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sources WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sources for user %d: %w", userID, err)
	}
	return n, nil
}

// SetActive toggles a source without losing its high-water mark.
func (r *SourceRepo) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sources SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set source %d active=%v: %w", id, active, err)
	}
	return nil
}

// AdvanceHighWater raises last_message_id, never lowers it.
func (r *SourceRepo) AdvanceHighWater(ctx context.Context, id, messageID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sources
		SET last_message_id = GREATEST(last_message_id, $2), last_checked_at = NOW()
		WHERE id = $1`, id, messageID)
	if err != nil {
		return fmt.Errorf("advance high water for source %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var s Source
	err := row.Scan(&s.ID, &s.UserID, &s.ChannelID, &s.ChannelUsername, &s.ChannelTitle,
		&s.IsActive, &s.LastMessageID, &s.AddedAt, &s.LastCheckedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
