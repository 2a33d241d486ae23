package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type sourceRepo interface {
	GetActiveByUser(ctx context.Context, userID int64) ([]*pg.Source, error)
	GetByID(ctx context.Context, id int64) (*pg.Source, error)
	AdvanceHighWater(ctx context.Context, id, messageID int64) error
}

// Ingestor is one user's intake: a push subscription on the live client for
// immediate delivery, and a history poll that catches anything the
// subscription missed (downtime, dropped updates). Both paths feed the same
// assembler; the ledger makes the overlap harmless.
type Ingestor struct {
	userID    int64
	client    mtclient.API
	sources   sourceRepo
	assembler *Assembler

	pollInterval time.Duration
	pollBatch    int
	log          *logger.Logger

	mu      sync.RWMutex
	watched map[int64]*pg.Source // keyed by channel ID

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewIngestor(userID int64, client mtclient.API, sources sourceRepo, assembler *Assembler, pollInterval time.Duration, pollBatch int, log *logger.Logger) *Ingestor {
	return &Ingestor{
		userID:       userID,
		client:       client,
		sources:      sources,
		assembler:    assembler,
		pollInterval: pollInterval,
		pollBatch:    pollBatch,
		log:          log.WithComponent("ingestor").WithUser(userID),
		watched:      make(map[int64]*pg.Source),
	}
}

// Source returns the watched source for a channel, or nil.
func (in *Ingestor) Source(channelID int64) *pg.Source {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.watched[channelID]
}

// Start installs the push subscription and launches the poll loop.
func (in *Ingestor) Start(ctx context.Context) error {
	if err := in.refreshWatched(ctx); err != nil {
		return err
	}

	remove, err := in.client.Subscribe(func(msg *mtclient.Message) {
		// Some update paths report the bare channel ID; the watch set is
		// keyed by the wire-prefixed form.
		msg.ChatID = ident.NormalizeChannelID(msg.ChatID)
		if in.Source(msg.ChatID) == nil {
			return
		}
		in.assembler.Add(msg)
	})
	if err != nil {
		return err
	}
	in.unsubscribe = remove

	loopCtx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.wg.Add(1)
	go in.pollLoop(loopCtx)

	in.log.Info("ingestor started", "sources", len(in.watched))
	return nil
}

// Stop tears the intake down and flushes any half-built media groups.
func (in *Ingestor) Stop() {
	if in.unsubscribe != nil {
		in.unsubscribe()
	}
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
	in.assembler.Close()
}

func (in *Ingestor) pollLoop(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.pollOnce(ctx)
		}
	}
}

// pollOnce sweeps every watched source for messages past its high-water
// mark and replays them oldest-first.
func (in *Ingestor) pollOnce(ctx context.Context) {
	if err := in.refreshWatched(ctx); err != nil {
		in.log.LogError(ctx, err, "refresh sources")
		return
	}
	metrics.PollScans.Inc()

	in.mu.RLock()
	sources := make([]*pg.Source, 0, len(in.watched))
	for _, s := range in.watched {
		sources = append(sources, s)
	}
	in.mu.RUnlock()

	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		msgs, err := in.client.FetchHistory(ctx, src.ChannelID, src.LastMessageID, in.pollBatch)
		if err != nil {
			in.log.Warn("history poll failed", "chat_id", src.ChannelID, "error", err)
			continue
		}
		// History arrives newest-first; deliver in posting order.
		for i := len(msgs) - 1; i >= 0; i-- {
			in.assembler.Add(msgs[i])
		}
	}
}

func (in *Ingestor) refreshWatched(ctx context.Context) error {
	sources, err := in.sources.GetActiveByUser(ctx, in.userID)
	if err != nil {
		return err
	}
	fresh := make(map[int64]*pg.Source, len(sources))
	for _, s := range sources {
		if s.LastMessageID == 0 {
			in.baseline(ctx, s)
		}
		fresh[s.ChannelID] = s
	}
	in.mu.Lock()
	in.watched = fresh
	in.mu.Unlock()
	return nil
}

// baseline pins a freshly added source to the channel's current top message
// so the poll only picks up posts made after the source was added, never the
// channel's back catalogue.
func (in *Ingestor) baseline(ctx context.Context, src *pg.Source) {
	msgs, err := in.client.FetchHistory(ctx, src.ChannelID, 0, 1)
	if err != nil {
		in.log.Warn("baseline fetch failed", "chat_id", src.ChannelID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	top := msgs[0].ID
	if err := in.sources.AdvanceHighWater(ctx, src.ID, top); err != nil {
		in.log.LogError(ctx, err, "persist baseline", "source_id", src.ID)
		return
	}
	src.LastMessageID = top
	in.log.Info("source baselined", "chat_id", src.ChannelID, "top_message_id", top)
}
