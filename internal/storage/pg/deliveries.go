package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeliveryRepo persists forwarding attempts.
type DeliveryRepo struct {
	db *sql.DB
}

const deliveryColumns = `id, user_id, source_id, destination_id, original_message_id,
	forwarded_message_id, status, retryable, retry_count, error_message, created_at, completed_at`

// FindByMessage fetches the record for a (user, source, original message)
// key, or nil when the message has never been attempted.
func (r *DeliveryRepo) FindByMessage(ctx context.Context, userID, sourceID, messageID int64) (*DeliveryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_log
		WHERE user_id = $1 AND source_id = $2 AND original_message_id = $3
		ORDER BY created_at DESC LIMIT 1`, userID, sourceID, messageID)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// CreatePending opens a record before the send is attempted.
func (r *DeliveryRepo) CreatePending(ctx context.Context, userID, sourceID int64, destinationID sql.NullInt64, messageID int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO delivery_log (user_id, source_id, destination_id, original_message_id, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id`, userID, sourceID, destinationID, messageID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create pending delivery: %w", err)
	}
	return id, nil
}

// MarkSuccess closes the record with the forwarded message ID.
func (r *DeliveryRepo) MarkSuccess(ctx context.Context, id, forwardedID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'success', forwarded_message_id = $2, completed_at = NOW()
		WHERE id = $1`, id, forwardedID)
	if err != nil {
		return fmt.Errorf("mark delivery %d success: %w", id, err)
	}
	return nil
}

// MarkFailed closes the record with the error text. Retryable failures move
// the retry counter; permanent ones are excluded from the retry scan.
func (r *DeliveryRepo) MarkFailed(ctx context.Context, id int64, errMsg string, retryable bool) error {
	inc := 0
	if retryable {
		inc = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_log
		SET status = 'failed', retryable = $2, error_message = $3, retry_count = retry_count + $4, completed_at = NOW()
		WHERE id = $1`, id, retryable, errMsg, inc)
	if err != nil {
		return fmt.Errorf("mark delivery %d failed: %w", id, err)
	}
	return nil
}

// GetStats aggregates outcomes over the trailing window.
func (r *DeliveryRepo) GetStats(ctx context.Context, userID int64, window time.Duration) (*DeliveryStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_log
		WHERE user_id = $1 AND created_at >= NOW() - $2::interval
		GROUP BY status`, userID, window.String())
	if err != nil {
		return nil, fmt.Errorf("delivery stats for user %d: %w", userID, err)
	}
	defer rows.Close()

	stats := &DeliveryStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case DeliveryStatusSuccess:
			stats.Success = count
		case DeliveryStatusFailed:
			stats.Failed = count
		case DeliveryStatusPending:
			stats.Pending = count
		}
	}
	return stats, rows.Err()
}

// GetLastSuccess fetches the newest successful delivery for the user.
func (r *DeliveryRepo) GetLastSuccess(ctx context.Context, userID int64) (*DeliveryRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_log
		WHERE user_id = $1 AND status = 'success'
		ORDER BY completed_at DESC LIMIT 1`, userID)
	rec, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetDueRetries lists retryable failed records still inside the retry budget.
func (r *DeliveryRepo) GetDueRetries(ctx context.Context, maxRetries, limit int) ([]*DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_log
		WHERE status = 'failed' AND retryable AND retry_count < $1
		ORDER BY created_at
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanDelivery(row rowScanner) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SourceID, &rec.DestinationID,
		&rec.OriginalMessageID, &rec.ForwardedMessageID, &rec.Status, &rec.Retryable,
		&rec.RetryCount, &rec.ErrorMessage, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
