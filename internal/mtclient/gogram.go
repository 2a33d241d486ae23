package mtclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	tg "github.com/amarnathcjd/gogram/telegram"

	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/relayerr"
)

// Options carries the MTProto app credentials shared by all clients.
type Options struct {
	AppID   int32
	AppHash string
}

// gogramClient implements API on top of the gogram library.
type gogramClient struct {
	userID  int64
	session string
	opts    Options
	tg      *tg.Client
	log     *logger.Logger

	mu        sync.Mutex
	subs      map[int]func(*Message)
	nextSub   int
	installed bool
}

// NewGogram builds a client for one user. An empty session string yields a
// client that can only run the code-request and QR-export handshakes.
func NewGogram(userID int64, session string, opts Options, log *logger.Logger) (API, error) {
	client, err := tg.NewClient(tg.ClientConfig{
		AppID:         opts.AppID,
		AppHash:       opts.AppHash,
		StringSession: session,
		MemorySession: true,
		LogLevel:      tg.LogError,
	})
	if err != nil {
		return nil, fmt.Errorf("new mtproto client for user %d: %w", userID, err)
	}

	return &gogramClient{
		userID:  userID,
		session: session,
		opts:    opts,
		tg:      client,
		log:     log.WithComponent("mtclient").WithUser(userID),
		subs:    make(map[int]func(*Message)),
	}, nil
}

func (c *gogramClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.tg.Connect(); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *gogramClient) Disconnect() error {
	return c.tg.Disconnect()
}

func (c *gogramClient) RequestCode(ctx context.Context, phone string) (*SentCode, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	sent, err := c.tg.AuthSendCode(phone, c.opts.AppID, c.opts.AppHash, &tg.CodeSettings{})
	if err != nil {
		return nil, normalizeError(err)
	}

	code, ok := sent.(*tg.AuthSentCodeObj)
	if !ok {
		return nil, fmt.Errorf("unexpected sent-code response %T", sent)
	}

	return &SentCode{
		CodeHash:     code.PhoneCodeHash,
		DeliveryType: codeDeliveryType(code.Type),
	}, nil
}

func (c *gogramClient) SignIn(ctx context.Context, phone, codeHash, code string) (*SignInResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err := c.tg.AuthSignIn(phone, codeHash, code, nil)
	if isSessionPasswordNeeded(err) {
		return &SignInResult{Needs2FA: true}, nil
	}
	if err != nil {
		return nil, normalizeError(err)
	}
	return &SignInResult{Success: true}, nil
}

func (c *gogramClient) CheckPassword(ctx context.Context, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	accountPassword, err := c.tg.AccountGetPassword()
	if err != nil {
		return normalizeError(err)
	}
	srp, err := tg.GetInputCheckPassword(password, accountPassword)
	if err != nil {
		return normalizeError(err)
	}
	if _, err := c.tg.AuthCheckPassword(srp); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *gogramClient) ExportQRToken(ctx context.Context) (*QRToken, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	token, err := c.tg.AuthExportLoginToken(c.opts.AppID, c.opts.AppHash, nil)
	if err != nil {
		return nil, normalizeError(err)
	}

	obj, ok := token.(*tg.AuthLoginTokenObj)
	if !ok {
		return nil, fmt.Errorf("unexpected login-token response %T", token)
	}

	return &QRToken{
		Token:     obj.Token,
		URL:       "tg://login?token=" + base64.RawURLEncoding.EncodeToString(obj.Token),
		ExpiresAt: time.Unix(int64(obj.Expires), 0),
	}, nil
}

func (c *gogramClient) PollQRToken(ctx context.Context) (QRStatus, error) {
	if err := ctx.Err(); err != nil {
		return QRPending, err
	}

	token, err := c.tg.AuthExportLoginToken(c.opts.AppID, c.opts.AppHash, nil)
	if isSessionPasswordNeeded(err) {
		return QRNeeds2FA, nil
	}
	if err != nil {
		return QRPending, normalizeError(err)
	}

	switch t := token.(type) {
	case *tg.AuthLoginTokenObj:
		return QRPending, nil
	case *tg.AuthLoginTokenSuccess:
		return QRSuccess, nil
	case *tg.AuthLoginTokenMigrateTo:
		// Accepted on another DC; import the token where it landed.
		if _, err := c.tg.AuthImportLoginToken(t.Token); err != nil {
			if isSessionPasswordNeeded(err) {
				return QRNeeds2FA, nil
			}
			return QRPending, normalizeError(err)
		}
		return QRSuccess, nil
	default:
		return QRPending, fmt.Errorf("unexpected login-token response %T", token)
	}
}

func (c *gogramClient) ExportSession() (string, error) {
	s := c.tg.ExportSession()
	if s == "" {
		return "", relayerr.ErrNoSession
	}
	return s, nil
}

func (c *gogramClient) SessionString() string {
	return c.session
}

func (c *gogramClient) WhoAmI(ctx context.Context) (int64, error) {
	if err := c.Connect(ctx); err != nil {
		return 0, err
	}
	me, err := c.tg.GetMe()
	if err != nil {
		return 0, normalizeError(err)
	}
	return me.ID, nil
}

// WarmPeerCache loads dialogs so incoming updates from known channels
// resolve without a round trip. Never fails: a cold cache only degrades
// resolution, it does not break the relay.
func (c *gogramClient) WarmPeerCache(ctx context.Context, limit int) int {
	if err := ctx.Err(); err != nil {
		return 0
	}
	dialogs, err := c.tg.GetDialogs(&tg.DialogOptions{Limit: int32(limit)})
	if err != nil {
		c.log.Warn("peer cache warm failed", "error", err)
		return 0
	}
	return len(dialogs)
}

func (c *gogramClient) ResolveChat(ctx context.Context, ref ident.ChannelRef) (*ChatDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch ref.Kind {
	case ident.KindHandle:
		peer, err := c.tg.ResolveUsername(ref.Handle)
		if err != nil {
			return nil, normalizeError(err)
		}
		ch, ok := peer.(*tg.Channel)
		if !ok {
			return nil, relayerr.ErrNotFound
		}
		return descriptorFromChannel(ch), nil

	case ident.KindNumericID:
		peer, err := c.tg.ResolvePeer(ref.ID)
		if err != nil {
			return nil, normalizeError(err)
		}
		input, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			return nil, relayerr.ErrNotFound
		}
		chats, err := c.tg.ChannelsGetChannels([]tg.InputChannel{
			&tg.InputChannelObj{ChannelID: input.ChannelID, AccessHash: input.AccessHash},
		})
		if err != nil {
			return nil, normalizeError(err)
		}
		if obj, ok := chats.(*tg.MessagesChatsObj); ok {
			for _, chat := range obj.Chats {
				if ch, ok := chat.(*tg.Channel); ok {
					return descriptorFromChannel(ch), nil
				}
			}
		}
		return nil, relayerr.ErrNotFound

	case ident.KindInviteLink:
		invite, err := c.tg.MessagesCheckChatInvite(ref.InviteHash)
		if err != nil {
			return nil, normalizeError(err)
		}
		switch i := invite.(type) {
		case *tg.ChatInviteAlready:
			if ch, ok := i.Chat.(*tg.Channel); ok {
				return descriptorFromChannel(ch), nil
			}
		case *tg.ChatInvitePeek:
			if ch, ok := i.Chat.(*tg.Channel); ok {
				return descriptorFromChannel(ch), nil
			}
		}
		// An invite the account has not accepted cannot be monitored.
		return nil, relayerr.ErrNotFound

	default:
		return nil, relayerr.NewInputInvalid("unknown identifier kind")
	}
}

// descriptorFromChannel normalises the upstream channel object; upstream
// reports the bare ID, storage always carries the wire-prefixed form.
func descriptorFromChannel(ch *tg.Channel) *ChatDescriptor {
	return &ChatDescriptor{
		ID:     ident.NormalizeChannelID(ch.ID),
		Title:  ch.Title,
		Handle: ch.Username,
	}
}

func (c *gogramClient) FetchHistory(ctx context.Context, chatID, sinceID int64, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer, err := c.tg.ResolvePeer(chatID)
	if err != nil {
		return nil, normalizeError(err)
	}

	history, err := c.tg.MessagesGetHistory(&tg.MessagesGetHistoryParams{
		Peer:  peer,
		MinID: int32(sinceID),
		Limit: int32(limit),
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	raw, err := rawMessages(history)
	if err != nil {
		return nil, err
	}

	// Upstream returns newest-first; keep that order, the poller reverses.
	var out []*Message
	for _, m := range raw {
		mo, ok := m.(*tg.MessageObj)
		if !ok {
			continue
		}
		out = append(out, c.fromRawMessage(chatID, mo))
	}
	return out, nil
}

func (c *gogramClient) FetchMessages(ctx context.Context, chatID int64, ids []int64) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer, err := c.tg.ResolvePeer(chatID)
	if err != nil {
		return nil, normalizeError(err)
	}
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, relayerr.ErrNotFound
	}

	inputIDs := make([]tg.InputMessage, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: int32(id)})
	}
	resp, err := c.tg.ChannelsGetMessages(&tg.InputChannelObj{
		ChannelID: channel.ChannelID, AccessHash: channel.AccessHash,
	}, inputIDs)
	if err != nil {
		return nil, normalizeError(err)
	}

	raw, err := rawMessages(resp)
	if err != nil {
		return nil, err
	}

	// Deleted messages come back as MessageEmpty; drop them.
	var out []*Message
	for _, m := range raw {
		mo, ok := m.(*tg.MessageObj)
		if !ok {
			continue
		}
		out = append(out, c.fromRawMessage(chatID, mo))
	}
	return out, nil
}

func rawMessages(resp tg.MessagesMessages) ([]tg.Message, error) {
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		return h.Messages, nil
	case *tg.MessagesMessagesObj:
		return h.Messages, nil
	case *tg.MessagesMessagesSlice:
		return h.Messages, nil
	default:
		return nil, fmt.Errorf("unexpected messages response %T", resp)
	}
}

func (c *gogramClient) CopyMessage(ctx context.Context, dstChatID, srcChatID, messageID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	from, err := c.tg.ResolvePeer(srcChatID)
	if err != nil {
		return 0, normalizeError(err)
	}
	to, err := c.tg.ResolvePeer(dstChatID)
	if err != nil {
		return 0, normalizeError(err)
	}

	updates, err := c.tg.MessagesForwardMessages(&tg.MessagesForwardMessagesParams{
		FromPeer:   from,
		ToPeer:     to,
		ID:         []int32{int32(messageID)},
		RandomID:   []int64{time.Now().UnixNano()},
		DropAuthor: true,
	})
	if err != nil {
		return 0, normalizeError(err)
	}

	ids := newMessageIDs(updates)
	if len(ids) == 0 {
		return 0, fmt.Errorf("forward produced no message id")
	}
	return ids[0], nil
}

func (c *gogramClient) SendAlbum(ctx context.Context, dstChatID int64, items []*Message) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	to, err := c.tg.ResolvePeer(dstChatID)
	if err != nil {
		return nil, normalizeError(err)
	}

	multi := make([]*tg.InputSingleMedia, 0, len(items))
	for i, item := range items {
		input := inputMediaFrom(item)
		if input == nil {
			continue
		}
		single := &tg.InputSingleMedia{
			Media:    input,
			RandomID: time.Now().UnixNano() + int64(i),
		}
		// Caption and entities ride on the first item only.
		if len(multi) == 0 {
			single.Message = item.Text
		}
		multi = append(multi, single)
	}
	if len(multi) == 0 {
		return nil, &relayerr.Permanent{Err: fmt.Errorf("album has no sendable media")}
	}

	updates, err := c.tg.MessagesSendMultiMedia(&tg.MessagesSendMultiMediaParams{
		Peer:       to,
		MultiMedia: multi,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	return newMessageIDs(updates), nil
}

func (c *gogramClient) SendPoll(ctx context.Context, dstChatID int64, poll *Poll) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	to, err := c.tg.ResolvePeer(dstChatID)
	if err != nil {
		return 0, normalizeError(err)
	}

	answers := make([]*tg.PollAnswer, 0, len(poll.Options))
	for i, opt := range poll.Options {
		answers = append(answers, &tg.PollAnswer{
			Text:   &tg.TextWithEntities{Text: opt},
			Option: []byte{byte(i)},
		})
	}

	media := &tg.InputMediaPoll{
		Poll: &tg.Poll{
			Question:       &tg.TextWithEntities{Text: poll.Question},
			Answers:        answers,
			PublicVoters:   !poll.Anonymous,
			MultipleChoice: poll.MultipleChoice,
			Quiz:           poll.Quiz,
		},
	}
	if poll.Quiz && poll.CorrectOption >= 0 {
		media.CorrectAnswers = [][]byte{{byte(poll.CorrectOption)}}
	}
	if poll.Explanation != "" {
		media.Solution = poll.Explanation
	}

	updates, err := c.tg.MessagesSendMedia(&tg.MessagesSendMediaParams{
		Peer:     to,
		Media:    media,
		RandomID: time.Now().UnixNano(),
	})
	if err != nil {
		return 0, normalizeError(err)
	}

	ids := newMessageIDs(updates)
	if len(ids) == 0 {
		return 0, fmt.Errorf("poll send produced no message id")
	}
	return ids[0], nil
}

func (c *gogramClient) DownloadMedia(ctx context.Context, msg *Message) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.Raw == nil {
		return nil, fmt.Errorf("message %d has no upstream handle", msg.ID)
	}

	name := filepath.Join(os.TempDir(), fmt.Sprintf("relay-%d-%d", msg.ChatID, msg.ID))
	path, err := c.tg.DownloadMedia(msg.Raw, &tg.DownloadOptions{FileName: name})
	if err != nil {
		return nil, normalizeError(err)
	}
	defer os.Remove(path)

	return os.ReadFile(path)
}

func (c *gogramClient) Subscribe(handler func(*Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.installed {
		c.tg.On("message", func(m *tg.NewMessage) error {
			msg := c.fromNewMessage(m)
			if msg == nil {
				return nil
			}
			c.mu.Lock()
			handlers := make([]func(*Message), 0, len(c.subs))
			for _, h := range c.subs {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
			return nil
		})
		c.installed = true
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

func (c *gogramClient) fromNewMessage(m *tg.NewMessage) *Message {
	if m == nil || m.Message == nil {
		return nil
	}
	// Push updates report the bare channel ID; storage and the watch set
	// carry the wire-prefixed form.
	msg := c.fromRawMessage(ident.NormalizeChannelID(m.ChatID()), m.Message)
	if m.Channel != nil {
		msg.ChatTitle = m.Channel.Title
		msg.ChatHandle = m.Channel.Username
	}
	return msg
}

func (c *gogramClient) fromRawMessage(chatID int64, mo *tg.MessageObj) *Message {
	kind, size := classifyMedia(mo.Media)
	msg := &Message{
		ID:        int64(mo.ID),
		ChatID:    chatID,
		GroupID:   mo.GroupedID,
		Kind:      kind,
		Text:      mo.Message,
		MediaSize: size,
		Raw:       mo,
	}
	if kind == KindPoll {
		if mp, ok := mo.Media.(*tg.MessageMediaPoll); ok {
			msg.Poll = pollFromRaw(mp)
		}
	}
	return msg
}

func classifyMedia(media tg.MessageMedia) (Kind, int64) {
	switch m := media.(type) {
	case nil:
		return KindText, 0
	case *tg.MessageMediaPhoto:
		return KindPhoto, 0
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.DocumentObj)
		if !ok {
			return KindUnsupported, 0
		}
		kind := KindDocument
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				if a.RoundMessage {
					kind = KindVideoNote
				} else {
					kind = KindVideo
				}
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					kind = KindVoice
				} else {
					kind = KindAudio
				}
			case *tg.DocumentAttributeSticker:
				return KindSticker, doc.Size
			case *tg.DocumentAttributeAnimated:
				return KindAnimation, doc.Size
			}
		}
		return kind, doc.Size
	case *tg.MessageMediaPoll:
		return KindPoll, 0
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive:
		return KindLocation, 0
	case *tg.MessageMediaContact:
		return KindContact, 0
	default:
		return KindUnsupported, 0
	}
}

func pollFromRaw(mp *tg.MessageMediaPoll) *Poll {
	p := &Poll{CorrectOption: -1}
	if mp.Poll != nil {
		if mp.Poll.Question != nil {
			p.Question = mp.Poll.Question.Text
		}
		for _, a := range mp.Poll.Answers {
			if a.Text != nil {
				p.Options = append(p.Options, a.Text.Text)
			}
		}
		p.Anonymous = !mp.Poll.PublicVoters
		p.Quiz = mp.Poll.Quiz
		p.MultipleChoice = mp.Poll.MultipleChoice
	}
	if mp.Results != nil {
		p.Explanation = mp.Results.Solution
		for i, r := range mp.Results.Results {
			if r.Correct {
				p.CorrectOption = i
				break
			}
		}
	}
	return p
}

func inputMediaFrom(item *Message) tg.InputMedia {
	mo, ok := item.Raw.(*tg.MessageObj)
	if !ok {
		return nil
	}
	switch mm := mo.Media.(type) {
	case *tg.MessageMediaPhoto:
		ph, ok := mm.Photo.(*tg.PhotoObj)
		if !ok {
			return nil
		}
		return &tg.InputMediaPhoto{ID: &tg.InputPhotoObj{
			ID: ph.ID, AccessHash: ph.AccessHash, FileReference: ph.FileReference,
		}}
	case *tg.MessageMediaDocument:
		doc, ok := mm.Document.(*tg.DocumentObj)
		if !ok {
			return nil
		}
		return &tg.InputMediaDocument{ID: &tg.InputDocumentObj{
			ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference,
		}}
	default:
		return nil
	}
}

// newMessageIDs extracts the IDs of messages created by an updates batch,
// in arrival order.
func newMessageIDs(updates tg.Updates) []int64 {
	obj, ok := updates.(*tg.UpdatesObj)
	if !ok {
		return nil
	}
	var ids []int64
	for _, u := range obj.Updates {
		switch up := u.(type) {
		case *tg.UpdateNewChannelMessage:
			if mo, ok := up.Message.(*tg.MessageObj); ok {
				ids = append(ids, int64(mo.ID))
			}
		case *tg.UpdateNewMessage:
			if mo, ok := up.Message.(*tg.MessageObj); ok {
				ids = append(ids, int64(mo.ID))
			}
		case *tg.UpdateMessageID:
			ids = append(ids, int64(up.ID))
		}
	}
	return ids
}

func codeDeliveryType(t tg.AuthSentCodeType) string {
	switch t.(type) {
	case *tg.AuthSentCodeTypeApp:
		return "app"
	case *tg.AuthSentCodeTypeSms:
		return "sms"
	case *tg.AuthSentCodeTypeCall:
		return "call"
	case *tg.AuthSentCodeTypeFlashCall:
		return "flash_call"
	default:
		return "unknown"
	}
}
