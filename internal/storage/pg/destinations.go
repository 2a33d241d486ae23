package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DestinationRepo persists the single destination channel per user.
type DestinationRepo struct {
	db *sql.DB
}

// Upsert sets or replaces the user's destination and reactivates it.
func (r *DestinationRepo) Upsert(ctx context.Context, userID, channelID int64, username sql.NullString, title string) (*Destination, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO destinations (user_id, channel_id, channel_username, channel_title, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			channel_username = EXCLUDED.channel_username,
			channel_title = EXCLUDED.channel_title,
			is_active = TRUE,
			configured_at = NOW()
		RETURNING id, user_id, channel_id, channel_username, channel_title, is_active, configured_at`,
		userID, channelID, username, title)

	var d Destination
	err := row.Scan(&d.ID, &d.UserID, &d.ChannelID, &d.ChannelUsername,
		&d.ChannelTitle, &d.IsActive, &d.ConfiguredAt)
	if err != nil {
		return nil, fmt.Errorf("upsert destination for user %d: %w", userID, err)
	}
	return &d, nil
}

// GetActiveByUser returns the user's active destination, or nil for DM mode.
func (r *DestinationRepo) GetActiveByUser(ctx context.Context, userID int64) (*Destination, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, channel_username, channel_title, is_active, configured_at
		FROM destinations WHERE user_id = $1 AND is_active`, userID)

	var d Destination
	err := row.Scan(&d.ID, &d.UserID, &d.ChannelID, &d.ChannelUsername,
		&d.ChannelTitle, &d.IsActive, &d.ConfiguredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get destination for user %d: %w", userID, err)
	}
	return &d, nil
}

// Deactivate returns the user to DM fallback mode.
func (r *DestinationRepo) Deactivate(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE destinations SET is_active = FALSE WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deactivate destination for user %d: %w", userID, err)
	}
	return nil
}
