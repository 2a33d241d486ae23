// Package auth runs the interactive MTProto login flows. A login is a
// multi-step conversation; the coordinator keeps the half-open handshake in
// memory and hands the finished client over to the registry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/channel-relay/internal/crypto"
	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

// Config bounds the handshake.
type Config struct {
	MaxAttempts    int
	CodeTimeout    time.Duration
	QRPollInterval time.Duration
}

type sessionSaver interface {
	Save(ctx context.Context, userID int64, session string) error
}

type userRepo interface {
	Upsert(ctx context.Context, id int64) error
	UpdateState(ctx context.Context, id int64, state string) error
	UpdatePhone(ctx context.Context, id int64, encryptedPhone []byte) error
}

type clientInstaller interface {
	Install(userID int64, client mtclient.API)
}

// QREvent is pushed to the UI while a QR login is in flight.
type QREvent int

const (
	// QRLoggedIn means the session is saved and the user is ready.
	QRLoggedIn QREvent = iota
	// QRPasswordNeeded means the account has 2FA; call SubmitPassword next.
	QRPasswordNeeded
	// QRRefreshed carries a replacement token after the old one aged out.
	QRRefreshed
	// QRExpired means the whole login window closed without a scan.
	QRExpired
)

// QRCallback receives QR progress. The token is non-nil only for QRRefreshed.
type QRCallback func(ev QREvent, token *mtclient.QRToken)

// ErrTooManyAttempts aborts a login after repeated bad codes or passwords.
var ErrTooManyAttempts = errors.New("auth: too many attempts")

type pendingAuth struct {
	handle    string
	client    mtclient.API
	phone     string
	codeHash  string
	attempts  int
	expiresAt time.Time
	cancelQR  context.CancelFunc
}

// Coordinator owns all in-flight logins, one at most per user.
type Coordinator struct {
	factory  mtclient.Factory
	sessions sessionSaver
	users    userRepo
	registry clientInstaller
	box      *crypto.Box
	cfg      Config
	log      *logger.Logger

	mu      sync.Mutex
	pending map[int64]*pendingAuth

	now func() time.Time
}

func NewCoordinator(factory mtclient.Factory, sessions sessionSaver, users userRepo, registry clientInstaller, box *crypto.Box, cfg Config, log *logger.Logger) *Coordinator {
	return &Coordinator{
		factory:  factory,
		sessions: sessions,
		users:    users,
		registry: registry,
		box:      box,
		cfg:      cfg,
		log:      log.WithComponent("auth"),
		pending:  make(map[int64]*pendingAuth),
		now:      time.Now,
	}
}

// BeginPhone starts a phone-number login: requests a code and parks the
// handshake until SubmitCode. Any previous half-open login is discarded.
func (c *Coordinator) BeginPhone(ctx context.Context, userID int64, rawPhone string) (*mtclient.SentCode, error) {
	phone := ident.NormalizePhone(rawPhone)
	if !ident.ValidatePhone(phone) {
		return nil, relayerr.NewInputInvalid("phone must look like +14155551234")
	}

	if err := c.users.Upsert(ctx, userID); err != nil {
		return nil, err
	}
	c.abandon(userID)

	client, err := c.factory(userID, "")
	if err != nil {
		return nil, err
	}

	sent, err := client.RequestCode(ctx, phone)
	if err != nil {
		_ = client.Disconnect()
		return nil, err
	}

	p := &pendingAuth{
		handle:    uuid.NewString(),
		client:    client,
		phone:     phone,
		codeHash:  sent.CodeHash,
		expiresAt: c.now().Add(c.cfg.CodeTimeout),
	}
	c.mu.Lock()
	c.pending[userID] = p
	c.mu.Unlock()

	if err := c.users.UpdateState(ctx, userID, pg.UserStateAwaitingCode); err != nil {
		c.log.LogError(ctx, err, "update state", "user_id", userID)
	}

	metrics.LoginsStarted.WithLabelValues("phone").Inc()
	c.log.Info("code requested", "user_id", userID, "handle", p.handle, "delivery", sent.DeliveryType)
	return sent, nil
}

// SubmitCode feeds the confirmation code into the pending handshake.
// The returned result reports Needs2FA when a password must follow.
func (c *Coordinator) SubmitCode(ctx context.Context, userID int64, rawCode string) (*mtclient.SignInResult, error) {
	code := digits(rawCode)
	if len(code) < 4 || len(code) > 6 {
		return nil, relayerr.NewInputInvalid("confirmation code must be 4 to 6 digits")
	}

	p, err := c.alive(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := p.client.SignIn(ctx, p.phone, p.codeHash, code)
	switch {
	case errors.Is(err, relayerr.ErrCodeInvalid):
		return nil, c.strike(ctx, userID, p, err)
	case errors.Is(err, relayerr.ErrCodeExpired):
		c.abort(ctx, userID)
		return nil, err
	case err != nil:
		return nil, err
	}

	if result.Needs2FA {
		if err := c.users.UpdateState(ctx, userID, pg.UserStateAwaiting2FA); err != nil {
			c.log.LogError(ctx, err, "update state", "user_id", userID)
		}
		return result, nil
	}

	if err := c.finalize(ctx, userID, p); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitPassword completes a 2FA login, from either flow.
func (c *Coordinator) SubmitPassword(ctx context.Context, userID int64, password string) error {
	if strings.TrimSpace(password) == "" {
		return relayerr.NewInputInvalid("password must not be empty")
	}

	p, err := c.alive(ctx, userID)
	if err != nil {
		return err
	}

	err = p.client.CheckPassword(ctx, password)
	if errors.Is(err, relayerr.ErrPasswordInvalid) {
		return c.strike(ctx, userID, p, err)
	}
	if err != nil {
		return err
	}

	return c.finalize(ctx, userID, p)
}

// BeginQR starts a QR login and polls it in the background, reporting
// progress through cb until the login resolves or the window closes.
func (c *Coordinator) BeginQR(ctx context.Context, userID int64, cb QRCallback) (*mtclient.QRToken, error) {
	if err := c.users.Upsert(ctx, userID); err != nil {
		return nil, err
	}
	c.abandon(userID)

	client, err := c.factory(userID, "")
	if err != nil {
		return nil, err
	}

	token, err := client.ExportQRToken(ctx)
	if err != nil {
		_ = client.Disconnect()
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p := &pendingAuth{
		handle:    uuid.NewString(),
		client:    client,
		expiresAt: c.now().Add(c.cfg.CodeTimeout),
		cancelQR:  cancel,
	}
	c.mu.Lock()
	c.pending[userID] = p
	c.mu.Unlock()

	go c.pollQR(pollCtx, userID, p, token, cb)

	metrics.LoginsStarted.WithLabelValues("qr").Inc()
	c.log.Info("qr login started", "user_id", userID, "handle", p.handle)
	return token, nil
}

func (c *Coordinator) pollQR(ctx context.Context, userID int64, p *pendingAuth, token *mtclient.QRToken, cb QRCallback) {
	ticker := time.NewTicker(c.cfg.QRPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.now().After(p.expiresAt) {
			c.abort(ctx, userID)
			if cb != nil {
				cb(QRExpired, nil)
			}
			return
		}

		status, err := p.client.PollQRToken(ctx)
		if err != nil {
			c.log.Warn("qr poll failed", "user_id", userID, "error", err)
			continue
		}

		switch status {
		case mtclient.QRSuccess:
			if err := c.finalize(ctx, userID, p); err != nil {
				c.log.LogError(ctx, err, "finalize qr login", "user_id", userID)
				return
			}
			if cb != nil {
				cb(QRLoggedIn, nil)
			}
			return

		case mtclient.QRNeeds2FA:
			if err := c.users.UpdateState(ctx, userID, pg.UserStateAwaiting2FA); err != nil {
				c.log.LogError(ctx, err, "update state", "user_id", userID)
			}
			if cb != nil {
				cb(QRPasswordNeeded, nil)
			}
			return

		case mtclient.QRPending:
			if c.now().After(token.ExpiresAt) {
				fresh, err := p.client.ExportQRToken(ctx)
				if err != nil {
					c.log.Warn("qr token refresh failed", "user_id", userID, "error", err)
					continue
				}
				token = fresh
				if cb != nil {
					cb(QRRefreshed, fresh)
				}
			}
		}
	}
}

// Cancel discards any in-flight login and returns the user to idle.
func (c *Coordinator) Cancel(ctx context.Context, userID int64) {
	c.abort(ctx, userID)
}

// Pending reports whether the user has a login in flight.
func (c *Coordinator) Pending(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[userID] != nil
}

// alive fetches the pending handshake, aborting it when the window closed.
func (c *Coordinator) alive(ctx context.Context, userID int64) (*pendingAuth, error) {
	c.mu.Lock()
	p := c.pending[userID]
	c.mu.Unlock()

	if p == nil {
		return nil, relayerr.ErrNotFound
	}
	if c.now().After(p.expiresAt) {
		c.abort(ctx, userID)
		return nil, relayerr.ErrCodeExpired
	}
	return p, nil
}

// strike counts a failed attempt and aborts the login once the budget is
// spent.
func (c *Coordinator) strike(ctx context.Context, userID int64, p *pendingAuth, cause error) error {
	c.mu.Lock()
	p.attempts++
	exhausted := p.attempts >= c.cfg.MaxAttempts
	c.mu.Unlock()

	if exhausted {
		c.abort(ctx, userID)
		return fmt.Errorf("%w: %w", ErrTooManyAttempts, cause)
	}
	return cause
}

// finalize exports and saves the session, records the phone, and hands the
// live client to the registry. The client is not disconnected: it becomes
// the user's relay client.
func (c *Coordinator) finalize(ctx context.Context, userID int64, p *pendingAuth) error {
	session, err := p.client.ExportSession()
	if err != nil {
		return err
	}
	if err := c.sessions.Save(ctx, userID, session); err != nil {
		return fmt.Errorf("save session for user %d: %w", userID, err)
	}

	if p.phone != "" {
		encrypted, err := c.box.Encrypt(userID, []byte(p.phone))
		if err != nil {
			c.log.LogError(ctx, err, "encrypt phone", "user_id", userID)
		} else if err := c.users.UpdatePhone(ctx, userID, encrypted); err != nil {
			c.log.LogError(ctx, err, "store phone", "user_id", userID)
		}
	}

	c.mu.Lock()
	if p.cancelQR != nil {
		p.cancelQR()
	}
	delete(c.pending, userID)
	c.mu.Unlock()

	c.registry.Install(userID, p.client)

	if err := c.users.UpdateState(ctx, userID, pg.UserStateMainMenu); err != nil {
		c.log.LogError(ctx, err, "update state", "user_id", userID)
	}

	c.log.Info("login complete", "user_id", userID, "handle", p.handle)
	return nil
}

// abort tears down the pending handshake and resets the user to idle.
func (c *Coordinator) abort(ctx context.Context, userID int64) {
	c.abandon(userID)
	if err := c.users.UpdateState(ctx, userID, pg.UserStateIdle); err != nil {
		c.log.LogError(ctx, err, "update state", "user_id", userID)
	}
}

// abandon drops the pending handshake without touching user state.
func (c *Coordinator) abandon(userID int64) {
	c.mu.Lock()
	p := c.pending[userID]
	delete(c.pending, userID)
	c.mu.Unlock()

	if p == nil {
		return
	}
	if p.cancelQR != nil {
		p.cancelQR()
	}
	if err := p.client.Disconnect(); err != nil {
		c.log.Warn("disconnect abandoned login client", "user_id", userID, "error", err)
	}
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
