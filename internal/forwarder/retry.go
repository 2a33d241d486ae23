package forwarder

import (
	"context"
	"fmt"
	"sort"

	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

// Scanner replays failed deliveries on a schedule. It only acts for users
// whose forwarder is currently running; everyone else's backlog waits until
// they are back.
type Scanner struct {
	ledger     *Ledger
	supervisor *Supervisor
	sources    sourceRepo
	batch      int
	log        *logger.Logger
}

func NewScanner(ledger *Ledger, supervisor *Supervisor, sources sourceRepo, batch int, log *logger.Logger) *Scanner {
	return &Scanner{
		ledger:     ledger,
		supervisor: supervisor,
		sources:    sources,
		batch:      batch,
		log:        log.WithComponent("retry"),
	}
}

// Scan is one sweep over the due backlog.
func (s *Scanner) Scan(ctx context.Context) {
	records, err := s.ledger.DueRetries(ctx, s.batch)
	if err != nil {
		s.log.LogError(ctx, err, "list due retries")
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		s.replay(ctx, rec)
	}
}

func (s *Scanner) replay(ctx context.Context, rec *pg.DeliveryRecord) {
	if !rec.SourceID.Valid {
		s.ledger.Fail(ctx, rec.ID, fmt.Errorf("source row deleted"), false)
		return
	}

	dispatcher, client, ok := s.supervisor.runnerFor(rec.UserID)
	if !ok {
		return
	}

	src, err := s.sources.GetByID(ctx, rec.SourceID.Int64)
	if err != nil {
		s.log.LogError(ctx, err, "load source for retry", "delivery_id", rec.ID)
		return
	}
	if src == nil || !src.IsActive {
		s.ledger.Fail(ctx, rec.ID, fmt.Errorf("source no longer active"), false)
		return
	}

	items, err := s.refetch(ctx, client, src, rec.OriginalMessageID)
	if err != nil {
		s.log.Warn("refetch for retry failed", "delivery_id", rec.ID, "error", err)
		return
	}
	if len(items) == 0 {
		s.ledger.Fail(ctx, rec.ID, fmt.Errorf("original message no longer exists"), false)
		return
	}

	s.log.Info("replaying delivery", "delivery_id", rec.ID,
		"user_id", rec.UserID, "message_id", rec.OriginalMessageID,
		"attempt", rec.RetryCount)
	dispatcher.Redeliver(ctx, rec.ID, src, items)
}

// refetch pulls the original message back by ID, together with the rest of
// its media group when it has one. Fetching by ID keeps the message
// reachable no matter how much has been posted since it failed.
func (s *Scanner) refetch(ctx context.Context, client mtclient.API, src *pg.Source, messageID int64) ([]*mtclient.Message, error) {
	msgs, err := client.FetchMessages(ctx, src.ChannelID, []int64{messageID})
	if err != nil {
		return nil, err
	}

	var target *mtclient.Message
	for _, m := range msgs {
		if m.ID == messageID {
			target = m
			break
		}
	}
	if target == nil {
		return nil, nil
	}
	if target.GroupID == 0 {
		return []*mtclient.Message{target}, nil
	}

	// Album parts sit on adjacent IDs and an album never exceeds ten items,
	// so the rest of the group is within nine IDs either side.
	ids := make([]int64, 0, 19)
	for id := messageID - 9; id <= messageID+9; id++ {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	around, err := client.FetchMessages(ctx, src.ChannelID, ids)
	if err != nil {
		return nil, err
	}

	var group []*mtclient.Message
	for _, m := range around {
		if m.GroupID == target.GroupID {
			group = append(group, m)
		}
	}
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	return group, nil
}
