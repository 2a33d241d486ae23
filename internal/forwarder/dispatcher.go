package forwarder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eternisai/channel-relay/internal/botapi"
	"github.com/eternisai/channel-relay/internal/filter"
	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

// Caption limits imposed by the destination side.
const (
	maxCaptionLen = 1024
	maxTextLen    = 4096
)

type destinationRepo interface {
	GetActiveByUser(ctx context.Context, userID int64) (*pg.Destination, error)
}

type sourceMarker interface {
	AdvanceHighWater(ctx context.Context, id, messageID int64) error
}

type dmSender interface {
	SendText(ctx context.Context, userID int64, htmlText string) (int64, error)
	SendMedia(ctx context.Context, userID int64, item botapi.MediaItem) (int64, error)
	SendMediaGroup(ctx context.Context, userID int64, items []botapi.MediaItem) ([]int64, error)
	SendPoll(ctx context.Context, userID int64, poll *mtclient.Poll) (int64, error)
}

// Config bounds one dispatcher.
type Config struct {
	FloodWaitMultiplier float64
	MaxSendAttempts     int
	DMMaxMediaBytes     int64
}

// Dispatcher delivers assembled units (single messages or whole albums) for
// one user. It owns the decision between channel and DM mode, dedup, rate
// limiting and failure classification. High-water marks advance whenever a
// unit reaches a terminal state, so a restart never re-delivers it.
//
// All deliveries for the user run strictly one at a time: a flood wait on
// one unit holds the mutex, so nothing else for this user sends until the
// pause is over.
type Dispatcher struct {
	userID  int64
	client  mtclient.API
	dm      dmSender
	ledger  *Ledger
	filter  *filter.Engine
	dests   destinationRepo
	sources sourceMarker
	limiter *rate.Limiter
	cfg     Config
	log     *logger.Logger

	mu sync.Mutex // serialises deliveries for this user
}

func NewDispatcher(userID int64, client mtclient.API, dm dmSender, ledger *Ledger, fe *filter.Engine, dests destinationRepo, sources sourceMarker, limiter *rate.Limiter, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 3
	}
	return &Dispatcher{
		userID:  userID,
		client:  client,
		dm:      dm,
		ledger:  ledger,
		filter:  fe,
		dests:   dests,
		sources: sources,
		limiter: limiter,
		cfg:     cfg,
		log:     log.WithComponent("dispatcher").WithUser(userID),
	}
}

// Dispatch runs one unit through the full pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, src *pg.Source, items []*mtclient.Message) error {
	if len(items) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lead := items[0]
	highWater := items[len(items)-1].ID

	if !d.filter.Pass(unitText(items)) {
		d.log.Debug("filtered out", "chat_id", src.ChannelID, "message_id", lead.ID)
		metrics.MessagesRelayed.WithLabelValues(metrics.ResultFiltered, "").Inc()
		d.advance(ctx, src, highWater)
		return nil
	}

	if len(items) == 1 && !lead.Kind.Relayable() {
		d.log.Debug("unsupported message kind", "chat_id", src.ChannelID, "message_id", lead.ID)
		metrics.MessagesRelayed.WithLabelValues(metrics.ResultSkipped, "").Inc()
		d.advance(ctx, src, highWater)
		return nil
	}

	ok, err := d.ledger.ShouldDeliver(ctx, d.userID, src.ID, lead.ID)
	if err != nil {
		return err
	}
	if !ok {
		metrics.MessagesRelayed.WithLabelValues(metrics.ResultSkipped, "").Inc()
		d.advance(ctx, src, highWater)
		return nil
	}

	dest, err := d.dests.GetActiveByUser(ctx, d.userID)
	if err != nil {
		return err
	}

	var destID sql.NullInt64
	if dest != nil {
		destID = sql.NullInt64{Int64: dest.ID, Valid: true}
	}
	recID, err := d.ledger.Begin(ctx, d.userID, src.ID, destID, lead.ID)
	if err != nil {
		return err
	}

	d.deliver(ctx, recID, dest, src, items)
	// The mark advances even when delivery failed: the ledger record keeps
	// the unit reachable, and the retry scanner refetches it by ID rather
	// than through the poll window.
	d.advance(ctx, src, highWater)
	return nil
}

// Redeliver replays a failed record through the same send path, against the
// user's current destination.
func (d *Dispatcher) Redeliver(ctx context.Context, recID int64, src *pg.Source, items []*mtclient.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dest, err := d.dests.GetActiveByUser(ctx, d.userID)
	if err != nil {
		d.log.LogError(ctx, err, "load destination for retry", "delivery_id", recID)
		return
	}
	d.deliver(ctx, recID, dest, src, items)
}

func (d *Dispatcher) deliver(ctx context.Context, recID int64, dest *pg.Destination, src *pg.Source, items []*mtclient.Message) {
	mode := metrics.ModeDM
	if dest != nil {
		mode = metrics.ModeChannel
	}

	start := time.Now()
	fwdID, err := d.send(ctx, dest, src, items)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		retryable := !relayerr.IsPermanent(err)
		d.log.Warn("delivery failed",
			"chat_id", src.ChannelID, "message_id", items[0].ID,
			"retryable", retryable, "error", err)
		d.ledger.Fail(ctx, recID, err, retryable)
		metrics.MessagesRelayed.WithLabelValues(metrics.ResultFailed, mode).Inc()
		return
	}

	d.ledger.Success(ctx, recID, fwdID)
	metrics.MessagesRelayed.WithLabelValues(metrics.ResultSuccess, mode).Inc()
	d.log.Info("delivered", "chat_id", src.ChannelID, "message_id", items[0].ID,
		"forwarded_id", fwdID, "mode", mode)
}

// send attempts the unit, pausing and retrying on upstream rate limits.
func (d *Dispatcher) send(ctx context.Context, dest *pg.Destination, src *pg.Source, items []*mtclient.Message) (int64, error) {
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		id, err := d.sendOnce(ctx, dest, src, items)
		var rl *relayerr.RateLimited
		if !errors.As(err, &rl) {
			return id, err
		}

		metrics.FloodWaits.Inc()
		if attempt >= d.cfg.MaxSendAttempts {
			return 0, err
		}
		wait := time.Duration(float64(rl.RetryAfter) * d.cfg.FloodWaitMultiplier)
		d.log.Warn("rate limited, pausing", "wait", wait, "attempt", attempt)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) sendOnce(ctx context.Context, dest *pg.Destination, src *pg.Source, items []*mtclient.Message) (int64, error) {
	if dest != nil {
		return d.sendToChannel(ctx, dest, src, items)
	}
	return d.sendToDM(ctx, src, items)
}

func (d *Dispatcher) sendToChannel(ctx context.Context, dest *pg.Destination, src *pg.Source, items []*mtclient.Message) (int64, error) {
	if len(items) > 1 {
		ids, err := d.client.SendAlbum(ctx, dest.ChannelID, items)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, fmt.Errorf("album send produced no ids")
		}
		return ids[0], nil
	}

	lead := items[0]
	if lead.Kind == mtclient.KindPoll && lead.Poll != nil {
		return d.client.SendPoll(ctx, dest.ChannelID, lead.Poll)
	}
	return d.client.CopyMessage(ctx, dest.ChannelID, src.ChannelID, lead.ID)
}

func (d *Dispatcher) sendToDM(ctx context.Context, src *pg.Source, items []*mtclient.Message) (int64, error) {
	lead := items[0]
	header := dmHeader(src, lead.ID, len(items))

	if len(items) > 1 {
		return d.sendAlbumToDM(ctx, src, items, header)
	}

	switch lead.Kind {
	case mtclient.KindText:
		body := truncate(html.EscapeString(lead.Text), maxTextLen-len(header)-2)
		return d.dm.SendText(ctx, d.userID, header+"\n\n"+body)

	case mtclient.KindPoll:
		if lead.Poll == nil {
			return 0, &relayerr.Permanent{Err: fmt.Errorf("poll message %d has no poll payload", lead.ID)}
		}
		if _, err := d.dm.SendText(ctx, d.userID, header); err != nil {
			return 0, err
		}
		return d.dm.SendPoll(ctx, d.userID, lead.Poll)

	default:
		if lead.MediaSize > d.cfg.DMMaxMediaBytes {
			return d.dm.SendText(ctx, d.userID, header+"\n\n"+oversizeNotice(lead))
		}
		data, err := d.client.DownloadMedia(ctx, lead)
		if err != nil {
			return 0, err
		}
		item := botapi.MediaItem{
			Kind:     lead.Kind,
			Data:     data,
			FileName: mediaFileName(lead),
			Caption:  dmCaption(header, lead.Text),
		}
		return d.dm.SendMedia(ctx, d.userID, item)
	}
}

func (d *Dispatcher) sendAlbumToDM(ctx context.Context, src *pg.Source, items []*mtclient.Message, header string) (int64, error) {
	var media []botapi.MediaItem
	dropped := 0
	for _, item := range items {
		if item.MediaSize > d.cfg.DMMaxMediaBytes {
			dropped++
			continue
		}
		data, err := d.client.DownloadMedia(ctx, item)
		if err != nil {
			return 0, err
		}
		media = append(media, botapi.MediaItem{
			Kind:     item.Kind,
			Data:     data,
			FileName: mediaFileName(item),
		})
	}

	if len(media) == 0 {
		return d.dm.SendText(ctx, d.userID, header+"\n\n"+oversizeNotice(items[0]))
	}

	caption := dmCaption(header, unitText(items))
	if dropped > 0 {
		caption = dmCaption(header+fmt.Sprintf(" (%d items too large to relay)", dropped), unitText(items))
	}
	media[0].Caption = caption

	ids, err := d.dm.SendMediaGroup(ctx, d.userID, media)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("media group send produced no ids")
	}
	return ids[0], nil
}

func (d *Dispatcher) advance(ctx context.Context, src *pg.Source, messageID int64) {
	if err := d.sources.AdvanceHighWater(ctx, src.ID, messageID); err != nil {
		d.log.LogError(ctx, err, "advance high water", "source_id", src.ID)
	}
}

// unitText returns the unit's caption: the first non-empty text among its
// items.
func unitText(items []*mtclient.Message) string {
	for _, it := range items {
		if it.Text != "" {
			return it.Text
		}
	}
	return ""
}

// dmHeader renders the provenance line shown above DM relays, linking back
// to the original post.
func dmHeader(src *pg.Source, messageID int64, count int) string {
	title := src.ChannelTitle
	if title == "" && src.ChannelUsername.Valid {
		title = "@" + src.ChannelUsername.String
	}

	var link string
	if src.ChannelUsername.Valid && src.ChannelUsername.String != "" {
		link = fmt.Sprintf("https://t.me/%s/%d", src.ChannelUsername.String, messageID)
	} else {
		link = fmt.Sprintf("https://t.me/c/%d/%d", ident.BareChannelID(src.ChannelID), messageID)
	}

	header := fmt.Sprintf("📢 <b>%s</b>", html.EscapeString(title))
	if count > 1 {
		header += fmt.Sprintf(" (%d items)", count)
	}
	return header + fmt.Sprintf(" • <a href=%q>original post</a>", link)
}

func dmCaption(header, text string) string {
	if text == "" {
		return header
	}
	body := truncate(html.EscapeString(text), maxCaptionLen-len(header)-2)
	return header + "\n\n" + body
}

func oversizeNotice(msg *mtclient.Message) string {
	return fmt.Sprintf("Media too large to relay here (%d MB). Open the original post to view it.",
		msg.MediaSize/(1024*1024))
}

// truncate cuts s to at most n bytes on a rune boundary, appending an
// ellipsis when anything was dropped.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	if cut <= 0 {
		return ""
	}
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

func mediaFileName(msg *mtclient.Message) string {
	ext := ".bin"
	switch msg.Kind {
	case mtclient.KindPhoto:
		ext = ".jpg"
	case mtclient.KindVideo, mtclient.KindVideoNote, mtclient.KindAnimation:
		ext = ".mp4"
	case mtclient.KindAudio:
		ext = ".mp3"
	case mtclient.KindVoice:
		ext = ".ogg"
	case mtclient.KindSticker:
		ext = ".webp"
	}
	return fmt.Sprintf("relay_%d_%d%s", ident.BareChannelID(msg.ChatID), msg.ID, ext)
}
