// Package botui is the chat surface: commands and state-driven replies in
// the user's DM with the bot. It only orchestrates; every operation lives in
// the service it belongs to.
package botui

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	authflow "github.com/eternisai/channel-relay/internal/auth"
	"github.com/eternisai/channel-relay/internal/botapi"
	"github.com/eternisai/channel-relay/internal/destinations"
	"github.com/eternisai/channel-relay/internal/forwarder"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/sources"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type userRepo interface {
	Upsert(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*pg.User, error)
	UpdateState(ctx context.Context, id int64, state string) error
}

type deliveryStats interface {
	GetStats(ctx context.Context, userID int64, window time.Duration) (*pg.DeliveryStats, error)
	GetLastSuccess(ctx context.Context, userID int64) (*pg.DeliveryRecord, error)
}

// UI routes incoming bot updates to the relay's services.
type UI struct {
	sender     *botapi.Sender
	users      userRepo
	auth       *authflow.Coordinator
	sources    *sources.Service
	dests      *destinations.Service
	supervisor *forwarder.Supervisor
	deliveries deliveryStats
	log        *logger.Logger
}

func New(sender *botapi.Sender, users userRepo, auth *authflow.Coordinator, src *sources.Service, dests *destinations.Service, supervisor *forwarder.Supervisor, deliveries deliveryStats, log *logger.Logger) *UI {
	return &UI{
		sender:     sender,
		users:      users,
		auth:       auth,
		sources:    src,
		dests:      dests,
		supervisor: supervisor,
		deliveries: deliveries,
		log:        log.WithComponent("botui"),
	}
}

// Attach registers the update handler on the bot.
func (u *UI) Attach(b *bot.Bot) {
	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil &&
			update.Message.Chat.Type == "private" &&
			update.Message.From != nil
	}, u.handle)
}

func (u *UI) handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	userID := update.Message.From.ID
	text := strings.TrimSpace(update.Message.Text)
	ctx = logger.WithUserID(ctx, userID)

	cmd, arg := splitCommand(text)
	switch cmd {
	case "/start":
		u.onStart(ctx, userID)
	case "/help":
		u.reply(ctx, userID, helpText)
	case "/login":
		u.onLogin(ctx, userID, arg)
	case "/qr":
		u.onQR(ctx, userID)
	case "/cancel":
		u.auth.Cancel(ctx, userID)
		u.reply(ctx, userID, "Login cancelled.")
	case "/add":
		u.onAdd(ctx, userID, arg)
	case "/remove":
		u.onRemove(ctx, userID, arg)
	case "/list":
		u.onList(ctx, userID)
	case "/dest":
		u.onDest(ctx, userID, arg)
	case "/dest_clear":
		u.onDestClear(ctx, userID)
	case "/forward_start":
		u.onForwardStart(ctx, userID)
	case "/forward_stop":
		u.onForwardStop(ctx, userID)
	case "/status":
		u.onStatus(ctx, userID)
	default:
		u.onFreeText(ctx, userID, text)
	}
}

const helpText = `<b>Channel Relay</b>

<b>Account</b>
/login +14155551234 - log in with a confirmation code
/qr - log in by scanning a QR code
/cancel - abort a login in progress

<b>Channels</b>
/add @channel - monitor a channel (several per message works too)
/remove @channel - stop monitoring
/list - monitored channels
/dest @channel - relay into this channel
/dest_clear - relay into this chat instead

<b>Relay</b>
/forward_start - start relaying
/forward_stop - stop relaying
/status - what is happening`

func (u *UI) onStart(ctx context.Context, userID int64) {
	if err := u.users.Upsert(ctx, userID); err != nil {
		u.log.LogError(ctx, err, "upsert user")
	}
	u.reply(ctx, userID, "Welcome! This bot relays posts from channels you follow.\n\nStart with /login or /qr, then /add your first channel.\n\n"+helpText)
}

func (u *UI) onLogin(ctx context.Context, userID int64, phone string) {
	if phone == "" {
		u.reply(ctx, userID, "Usage: /login +14155551234")
		return
	}
	sent, err := u.auth.BeginPhone(ctx, userID, phone)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	u.reply(ctx, userID, fmt.Sprintf("Confirmation code sent via %s. Reply with the code (you can add spaces, e.g. 12 345).", sent.DeliveryType))
}

func (u *UI) onQR(ctx context.Context, userID int64) {
	token, err := u.auth.BeginQR(ctx, userID, func(ev authflow.QREvent, fresh *mtclient.QRToken) {
		// Runs on the poll goroutine after the handler returned.
		bg := logger.WithUserID(context.Background(), userID)
		switch ev {
		case authflow.QRLoggedIn:
			u.reply(bg, userID, "Logged in. Now /add a channel and /forward_start.")
		case authflow.QRPasswordNeeded:
			u.reply(bg, userID, "This account has two-step verification. Reply with your password.")
		case authflow.QRRefreshed:
			u.reply(bg, userID, qrMessage(fresh))
		case authflow.QRExpired:
			u.reply(bg, userID, "QR login expired. Run /qr to try again.")
		}
	})
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	u.reply(ctx, userID, qrMessage(token))
}

func qrMessage(token *mtclient.QRToken) string {
	return fmt.Sprintf("Open Telegram on a logged-in device, go to Settings → Devices → Link Desktop Device, and scan the QR for this link:\n\n<code>%s</code>", html.EscapeString(token.URL))
}

func (u *UI) onAdd(ctx context.Context, userID int64, arg string) {
	if arg == "" {
		u.reply(ctx, userID, "Usage: /add @channel (one or more, separated by spaces or lines)")
		return
	}
	batch := strings.Join(strings.Fields(arg), "\n")
	results := u.sources.AddBatch(ctx, userID, batch)

	var b strings.Builder
	for _, res := range results {
		switch {
		case res.Err == nil:
			fmt.Fprintf(&b, "✅ %s\n", html.EscapeString(res.Source.ChannelTitle))
		case errors.Is(res.Err, sources.ErrAlreadyAdded):
			fmt.Fprintf(&b, "ℹ️ %s - already monitored\n", html.EscapeString(res.Raw))
		case errors.Is(res.Err, sources.ErrQuotaReached):
			fmt.Fprintf(&b, "🚫 %s - channel limit reached (%d)\n", html.EscapeString(res.Raw), sources.MaxPerUser)
		case errors.Is(res.Err, relayerr.ErrNoSession):
			u.reply(ctx, userID, "Please /login first, I need your account to see the channel.")
			return
		default:
			fmt.Fprintf(&b, "❌ %s - %s\n", html.EscapeString(res.Raw), html.EscapeString(userFacing(res.Err)))
		}
	}
	u.reply(ctx, userID, strings.TrimRight(b.String(), "\n"))
}

func (u *UI) onRemove(ctx context.Context, userID int64, arg string) {
	if arg == "" {
		u.reply(ctx, userID, "Usage: /remove @channel")
		return
	}
	if err := u.sources.Remove(ctx, userID, arg); err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	u.reply(ctx, userID, "Removed. Its position is kept, /add it again to resume where it left off.")
}

func (u *UI) onList(ctx context.Context, userID int64) {
	list, err := u.sources.List(ctx, userID)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	if len(list) == 0 {
		u.reply(ctx, userID, "No channels yet. /add one.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Monitored channels (%d/%d)</b>\n", len(list), sources.MaxPerUser)
	for _, s := range list {
		if s.ChannelUsername.Valid {
			fmt.Fprintf(&b, "• %s (@%s)\n", html.EscapeString(s.ChannelTitle), s.ChannelUsername.String)
		} else {
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(s.ChannelTitle))
		}
	}
	u.reply(ctx, userID, strings.TrimRight(b.String(), "\n"))
}

func (u *UI) onDest(ctx context.Context, userID int64, arg string) {
	if arg == "" {
		u.reply(ctx, userID, "Usage: /dest @channel - the account must be able to post there.")
		return
	}
	dest, err := u.dests.Set(ctx, userID, arg)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	u.reply(ctx, userID, fmt.Sprintf("Relaying into <b>%s</b> from now on.", html.EscapeString(dest.ChannelTitle)))
}

func (u *UI) onDestClear(ctx context.Context, userID int64) {
	if err := u.dests.Clear(ctx, userID); err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	u.reply(ctx, userID, "Posts will arrive in this chat.")
}

func (u *UI) onForwardStart(ctx context.Context, userID int64) {
	err := u.supervisor.Start(ctx, userID)
	switch {
	case err == nil:
		u.reply(ctx, userID, "Relay running. /status shows progress, /forward_stop pauses it.")
	case errors.Is(err, relayerr.ErrNoSession):
		u.reply(ctx, userID, "Please /login first.")
	case errors.Is(err, relayerr.ErrNotConfigured):
		u.reply(ctx, userID, "Nothing to relay yet. Add a channel with /add first.")
	default:
		u.replyErr(ctx, userID, err)
	}
}

func (u *UI) onForwardStop(ctx context.Context, userID int64) {
	if !u.supervisor.Running(userID) {
		u.reply(ctx, userID, "The relay is not running.")
		return
	}
	u.supervisor.Stop(userID)
	if err := u.users.UpdateState(ctx, userID, pg.UserStateMainMenu); err != nil {
		u.log.LogError(ctx, err, "update state")
	}
	u.reply(ctx, userID, "Relay stopped. /forward_start resumes it.")
}

func (u *UI) onStatus(ctx context.Context, userID int64) {
	user, err := u.users.Get(ctx, userID)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	if user == nil {
		u.reply(ctx, userID, "We have not met. /start")
		return
	}

	list, err := u.sources.List(ctx, userID)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}

	running := "stopped"
	if u.supervisor.Running(userID) {
		running = "running"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Status</b>\nRelay: %s\nChannels: %d\n", running, len(list))

	dest, err := u.dests.Get(ctx, userID)
	if err == nil {
		if dest != nil {
			fmt.Fprintf(&b, "Destination: %s\n", html.EscapeString(dest.ChannelTitle))
		} else {
			b.WriteString("Destination: this chat\n")
		}
	}

	if stats, err := u.deliveries.GetStats(ctx, userID, 24*time.Hour); err == nil {
		fmt.Fprintf(&b, "\n<b>Last 24h</b>\nDelivered: %d\nFailed: %d\nPending: %d\n",
			stats.Success, stats.Failed, stats.Pending)
	}
	if last, err := u.deliveries.GetLastSuccess(ctx, userID); err == nil && last != nil && last.CompletedAt.Valid {
		fmt.Fprintf(&b, "Last delivery: %s\n", last.CompletedAt.Time.UTC().Format(time.RFC822))
	}
	u.reply(ctx, userID, strings.TrimRight(b.String(), "\n"))
}

// onFreeText handles non-command input according to the user's auth state:
// a confirmation code or a 2FA password mid-login, noise otherwise.
func (u *UI) onFreeText(ctx context.Context, userID int64, text string) {
	user, err := u.users.Get(ctx, userID)
	if err != nil {
		u.replyErr(ctx, userID, err)
		return
	}
	if user == nil {
		u.reply(ctx, userID, "Hi! /start to begin.")
		return
	}

	switch user.State {
	case pg.UserStateAwaitingCode:
		u.onCode(ctx, userID, text)
	case pg.UserStateAwaiting2FA:
		u.onPassword(ctx, userID, text)
	default:
		u.reply(ctx, userID, "I did not get that. /help lists what I understand.")
	}
}

func (u *UI) onCode(ctx context.Context, userID int64, code string) {
	result, err := u.auth.SubmitCode(ctx, userID, code)
	switch {
	case err == nil && result.Needs2FA:
		u.reply(ctx, userID, "This account has two-step verification. Reply with your password.")
	case err == nil:
		u.reply(ctx, userID, "Logged in. Now /add a channel and /forward_start.")
	case errors.Is(err, authflow.ErrTooManyAttempts):
		u.reply(ctx, userID, "Too many wrong codes, login aborted. /login to start over.")
	case errors.Is(err, relayerr.ErrCodeInvalid):
		u.reply(ctx, userID, "That code is not right, try again.")
	case errors.Is(err, relayerr.ErrCodeExpired):
		u.reply(ctx, userID, "The code expired. /login to request a new one.")
	default:
		u.replyErr(ctx, userID, err)
	}
}

func (u *UI) onPassword(ctx context.Context, userID int64, password string) {
	err := u.auth.SubmitPassword(ctx, userID, password)
	switch {
	case err == nil:
		u.reply(ctx, userID, "Logged in. Now /add a channel and /forward_start.")
	case errors.Is(err, authflow.ErrTooManyAttempts):
		u.reply(ctx, userID, "Too many wrong passwords, login aborted. /login to start over.")
	case errors.Is(err, relayerr.ErrPasswordInvalid):
		u.reply(ctx, userID, "Wrong password, try again.")
	default:
		u.replyErr(ctx, userID, err)
	}
}

func (u *UI) reply(ctx context.Context, userID int64, text string) {
	if _, err := u.sender.SendText(ctx, userID, text); err != nil {
		u.log.LogError(ctx, err, "send reply")
	}
}

func (u *UI) replyErr(ctx context.Context, userID int64, err error) {
	u.log.LogError(ctx, err, "command failed")
	u.reply(ctx, userID, "⚠️ "+html.EscapeString(userFacing(err)))
}

// userFacing maps internal errors onto short human phrasing.
func userFacing(err error) string {
	var invalid *relayerr.InputInvalid
	switch {
	case errors.As(err, &invalid):
		return invalid.Reason
	case errors.Is(err, relayerr.ErrNotFound):
		return "channel not found, or your account cannot see it"
	case errors.Is(err, relayerr.ErrNoSession):
		return "please /login first"
	case errors.Is(err, relayerr.ErrAuthRejected):
		return "your session is no longer valid, /login again"
	default:
		return "something went wrong, please try again"
	}
}

func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	// Commands may arrive as /cmd@botname in groups; strip the suffix.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(rest)
}
