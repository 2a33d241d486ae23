package forwarder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eternisai/channel-relay/internal/filter"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type sessionLoader interface {
	Load(ctx context.Context, userID int64) (string, error)
}

type userStateRepo interface {
	UpdateState(ctx context.Context, id int64, state string) error
	GetBootstrapCandidates(ctx context.Context) ([]int64, error)
}

type clientRegistry interface {
	Acquire(ctx context.Context, userID int64, session string) (mtclient.API, error)
	Remove(userID int64)
}

// SupervisorConfig bounds every runner the supervisor builds.
type SupervisorConfig struct {
	Dispatcher        Config
	MediaGroupTimeout time.Duration
	PollInterval      time.Duration
	PollBatchSize     int
	PeerCacheWarm     int
}

type runner struct {
	client     mtclient.API
	dispatcher *Dispatcher
	ingestor   *Ingestor
}

// Supervisor owns one runner (client + ingestor + dispatcher) per running
// user. Start is idempotent; Stop tears the whole runner down.
type Supervisor struct {
	sessions sessionLoader
	registry clientRegistry
	sources  sourceRepo
	dests    destinationRepo
	ledger   *Ledger
	dm       dmSender
	filter   *filter.Engine
	users    userStateRepo
	limiter  *rate.Limiter
	cfg      SupervisorConfig
	log      *logger.Logger

	mu      sync.Mutex
	runners map[int64]*runner
}

func NewSupervisor(sessions sessionLoader, registry clientRegistry, sources sourceRepo, dests destinationRepo, ledger *Ledger, dm dmSender, fe *filter.Engine, users userStateRepo, limiter *rate.Limiter, cfg SupervisorConfig, log *logger.Logger) *Supervisor {
	if cfg.PeerCacheWarm <= 0 {
		cfg.PeerCacheWarm = 100
	}
	return &Supervisor{
		sessions: sessions,
		registry: registry,
		sources:  sources,
		dests:    dests,
		ledger:   ledger,
		dm:       dm,
		filter:   fe,
		users:    users,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.WithComponent("supervisor"),
		runners:  make(map[int64]*runner),
	}
}

// Start brings up forwarding for one user. Calling it for a user that is
// already running is a no-op.
func (s *Supervisor) Start(ctx context.Context, userID int64) error {
	s.mu.Lock()
	if s.runners[userID] != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	session, err := s.sessions.Load(ctx, userID)
	if err != nil {
		return err
	}
	active, err := s.sources.GetActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return relayerr.ErrNotConfigured
	}
	client, err := s.registry.Acquire(ctx, userID, session)
	if err != nil {
		return err
	}
	client.WarmPeerCache(ctx, s.cfg.PeerCacheWarm)

	r := &runner{client: client}
	r.dispatcher = NewDispatcher(userID, client, s.dm, s.ledger, s.filter,
		s.dests, s.sources, s.limiter, s.cfg.Dispatcher, s.log)

	assembler := NewAssembler(s.cfg.MediaGroupTimeout, func(items []*mtclient.Message) {
		s.flush(userID, r, items)
	})
	r.ingestor = NewIngestor(userID, client, s.sources, assembler,
		s.cfg.PollInterval, s.cfg.PollBatchSize, s.log)

	if err := r.ingestor.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.runners[userID] != nil {
		// Lost a start race; keep the winner.
		s.mu.Unlock()
		r.ingestor.Stop()
		return nil
	}
	s.runners[userID] = r
	s.mu.Unlock()

	if err := s.users.UpdateState(ctx, userID, pg.UserStateRunning); err != nil {
		s.log.LogError(ctx, err, "mark user running", "user_id", userID)
	}
	metrics.ActiveForwarders.Inc()
	s.log.Info("forwarder started", "user_id", userID)
	return nil
}

// flush delivers one assembled unit. Runs on assembler timer goroutines.
func (s *Supervisor) flush(userID int64, r *runner, items []*mtclient.Message) {
	if len(items) == 0 {
		return
	}
	ctx := logger.WithUserID(context.Background(), userID)

	src := r.ingestor.Source(items[0].ChatID)
	if src == nil {
		return
	}
	if err := r.dispatcher.Dispatch(ctx, src, items); err != nil {
		s.log.LogError(ctx, err, "dispatch", "user_id", userID, "chat_id", items[0].ChatID)
	}
}

// Stop tears down the user's runner and disconnects their client.
func (s *Supervisor) Stop(userID int64) {
	s.mu.Lock()
	r := s.runners[userID]
	delete(s.runners, userID)
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.ingestor.Stop()
	s.registry.Remove(userID)
	metrics.ActiveForwarders.Dec()
	s.log.Info("forwarder stopped", "user_id", userID)
}

// Running reports whether the user has a live runner.
func (s *Supervisor) Running(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[userID] != nil
}

// StartAll boots forwarding for every user with a valid session and at
// least one active source. Starts run concurrently since each one dials
// out; per-user failures are logged, not fatal.
func (s *Supervisor) StartAll(ctx context.Context) {
	ids, err := s.users.GetBootstrapCandidates(ctx)
	if err != nil {
		s.log.LogError(ctx, err, "list bootstrap candidates")
		return
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Start(ctx, id); err != nil {
				s.log.LogError(ctx, err, "bootstrap forwarder", "user_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("bootstrap complete", "candidates", len(ids))
}

// StopAll tears down every runner. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// runnerFor hands the retry scanner a user's live dispatcher and client.
func (s *Supervisor) runnerFor(userID int64) (*Dispatcher, mtclient.API, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runners[userID]
	if r == nil {
		return nil, nil, false
	}
	return r.dispatcher, r.client, true
}
