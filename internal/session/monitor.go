package session

import (
	"context"
	"errors"

	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type userRepo interface {
	GetByState(ctx context.Context, state string) ([]*pg.User, error)
	UpdateState(ctx context.Context, userID int64, state string) error
}

type verifier interface {
	Verify(ctx context.Context, userID int64) error
}

type forwarderStopper interface {
	Stop(userID int64)
}

// Notifier delivers a plain-text notice to a user's DM.
type Notifier func(ctx context.Context, userID int64, text string)

// Monitor sweeps running users and retires the ones whose stored session the
// upstream no longer accepts. Scheduling is the caller's job; Sweep is one
// pass.
type Monitor struct {
	users      userRepo
	store      verifier
	forwarders forwarderStopper
	notify     Notifier
	log        *logger.Logger
}

func NewMonitor(users userRepo, store verifier, forwarders forwarderStopper, notify Notifier, log *logger.Logger) *Monitor {
	return &Monitor{
		users:      users,
		store:      store,
		forwarders: forwarders,
		notify:     notify,
		log:        log.WithComponent("session_monitor"),
	}
}

const expiredNotice = "⚠️ Your Telegram session has expired. Please log in again with /login to resume forwarding."

// Sweep verifies every running user's session. Transient verification
// failures are logged and skipped; only a definitive rejection retires the
// user.
func (m *Monitor) Sweep(ctx context.Context) {
	users, err := m.users.GetByState(ctx, pg.UserStateRunning)
	if err != nil {
		m.log.LogError(ctx, err, "list running users")
		return
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		err := m.store.Verify(ctx, u.ID)
		switch {
		case err == nil:
			continue
		case errors.Is(err, relayerr.ErrAuthRejected), errors.Is(err, relayerr.ErrNoSession):
			m.retire(ctx, u.ID)
		default:
			m.log.Warn("session check inconclusive", "user_id", u.ID, "error", err)
		}
	}
}

func (m *Monitor) retire(ctx context.Context, userID int64) {
	m.log.Info("session expired, stopping forwarder", "user_id", userID)
	metrics.SessionsExpired.Inc()

	m.forwarders.Stop(userID)
	if err := m.users.UpdateState(ctx, userID, pg.UserStateSessionExpired); err != nil {
		m.log.LogError(ctx, err, "mark user session expired", "user_id", userID)
	}
	if m.notify != nil {
		m.notify(ctx, userID, expiredNotice)
	}
}
