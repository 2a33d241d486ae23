package forwarder

import (
	"context"
	"database/sql"

	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type deliveryRepo interface {
	FindByMessage(ctx context.Context, userID, sourceID, messageID int64) (*pg.DeliveryRecord, error)
	CreatePending(ctx context.Context, userID, sourceID int64, destinationID sql.NullInt64, messageID int64) (int64, error)
	MarkSuccess(ctx context.Context, id, forwardedID int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, retryable bool) error
	GetDueRetries(ctx context.Context, maxRetries, limit int) ([]*pg.DeliveryRecord, error)
}

// Ledger is the durable record of every delivery attempt. Dedup and the
// retry backlog both read from it.
type Ledger struct {
	repo       deliveryRepo
	maxRetries int
	log        *logger.Logger
}

func NewLedger(repo deliveryRepo, maxRetries int, log *logger.Logger) *Ledger {
	return &Ledger{repo: repo, maxRetries: maxRetries, log: log.WithComponent("ledger")}
}

// ShouldDeliver decides whether the live path may attempt this message.
// Anything with an existing record is refused: successes are done, pendings
// are in flight, and failures belong to the retry scanner.
func (l *Ledger) ShouldDeliver(ctx context.Context, userID, sourceID, messageID int64) (bool, error) {
	rec, err := l.repo.FindByMessage(ctx, userID, sourceID, messageID)
	if err != nil {
		return false, err
	}
	return rec == nil, nil
}

// Begin opens a pending record before the send.
func (l *Ledger) Begin(ctx context.Context, userID, sourceID int64, destinationID sql.NullInt64, messageID int64) (int64, error) {
	return l.repo.CreatePending(ctx, userID, sourceID, destinationID, messageID)
}

// Success closes the record.
func (l *Ledger) Success(ctx context.Context, id, forwardedID int64) {
	if err := l.repo.MarkSuccess(ctx, id, forwardedID); err != nil {
		l.log.LogError(ctx, err, "mark delivery success", "delivery_id", id)
	}
}

// Fail closes the record. Retryable failures join the scanner's backlog.
func (l *Ledger) Fail(ctx context.Context, id int64, cause error, retryable bool) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.repo.MarkFailed(ctx, id, msg, retryable); err != nil {
		l.log.LogError(ctx, err, "mark delivery failed", "delivery_id", id)
		return
	}
	if retryable {
		metrics.RetriesScheduled.Inc()
	}
}

// DueRetries lists the failures the scanner should replay.
func (l *Ledger) DueRetries(ctx context.Context, limit int) ([]*pg.DeliveryRecord, error) {
	return l.repo.GetDueRetries(ctx, l.maxRetries, limit)
}
