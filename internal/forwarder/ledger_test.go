package forwarder

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

func TestLedgerShouldDeliverFreshMessage(t *testing.T) {
	l := NewLedger(newMemDeliveryRepo(), 5, logger.NewNop())
	ok, err := l.ShouldDeliver(context.Background(), 1, 2, 100)
	if err != nil {
		t.Fatalf("should deliver: %v", err)
	}
	if !ok {
		t.Fatal("fresh message refused")
	}
}

func TestLedgerRefusesRecordedMessages(t *testing.T) {
	repo := newMemDeliveryRepo()
	l := NewLedger(repo, 5, logger.NewNop())
	ctx := context.Background()

	id, err := l.Begin(ctx, 1, 2, sql.NullInt64{}, 100)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Pending is in flight.
	if ok, _ := l.ShouldDeliver(ctx, 1, 2, 100); ok {
		t.Fatal("pending message accepted")
	}

	l.Success(ctx, id, 555)
	if ok, _ := l.ShouldDeliver(ctx, 1, 2, 100); ok {
		t.Fatal("delivered message accepted again")
	}
	if rec := repo.record(id); rec.Status != pg.DeliveryStatusSuccess || rec.ForwardedMessageID.Int64 != 555 {
		t.Fatalf("record = %+v", rec)
	}

	// Same source, different message still passes.
	if ok, _ := l.ShouldDeliver(ctx, 1, 2, 101); !ok {
		t.Fatal("unrelated message refused")
	}
}

func TestLedgerFailedMessagesBelongToScanner(t *testing.T) {
	repo := newMemDeliveryRepo()
	l := NewLedger(repo, 5, logger.NewNop())
	ctx := context.Background()

	id, _ := l.Begin(ctx, 1, 2, sql.NullInt64{}, 100)
	l.Fail(ctx, id, errors.New("network down"), true)

	if ok, _ := l.ShouldDeliver(ctx, 1, 2, 100); ok {
		t.Fatal("failed message must go through the retry scanner, not the live path")
	}

	due, err := l.DueRetries(ctx, 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due = %v", due)
	}
	if due[0].RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", due[0].RetryCount)
	}
}

func TestLedgerPermanentFailuresNeverRetry(t *testing.T) {
	repo := newMemDeliveryRepo()
	l := NewLedger(repo, 5, logger.NewNop())
	ctx := context.Background()

	id, _ := l.Begin(ctx, 1, 2, sql.NullInt64{}, 100)
	l.Fail(ctx, id, errors.New("peer invalid"), false)

	due, err := l.DueRetries(ctx, 10)
	if err != nil {
		t.Fatalf("due retries: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("permanent failure scheduled for retry: %v", due)
	}
}

func TestLedgerRetryBudget(t *testing.T) {
	repo := newMemDeliveryRepo()
	l := NewLedger(repo, 2, logger.NewNop())
	ctx := context.Background()

	id, _ := l.Begin(ctx, 1, 2, sql.NullInt64{}, 100)
	l.Fail(ctx, id, errors.New("boom"), true)
	l.Fail(ctx, id, errors.New("boom"), true)

	due, _ := l.DueRetries(ctx, 10)
	if len(due) != 0 {
		t.Fatal("exhausted record still due")
	}
}
