// Package mtclient wraps the MTProto client library behind the capability
// surface the rest of the relay needs. One client per user; the Registry
// owns their lifecycle.
package mtclient

import (
	"context"
	"time"

	"github.com/eternisai/channel-relay/internal/ident"
)

// Kind classifies an upstream message for relay purposes.
type Kind int

const (
	KindText Kind = iota
	KindPhoto
	KindVideo
	KindDocument
	KindAudio
	KindVoice
	KindVideoNote
	KindSticker
	KindAnimation
	KindPoll
	KindLocation
	KindContact
	KindUnsupported
)

// Relayable reports whether the relay knows how to forward this kind.
func (k Kind) Relayable() bool {
	return k != KindUnsupported
}

// Message is the relay's normalised view of one upstream message.
// The raw upstream object stays attached so the adapter can copy or
// download it without re-fetching.
type Message struct {
	ID         int64
	ChatID     int64
	GroupID    int64 // media-group id, 0 for standalone messages
	Kind       Kind
	Text       string // body or caption
	MediaSize  int64  // bytes, 0 for text
	ChatTitle  string
	ChatHandle string // without @, empty for private channels
	Poll       *Poll  // set iff Kind == KindPoll

	// Raw is the upstream message handle, owned by the adapter that
	// produced this Message. Fakes in tests leave it nil.
	Raw any
}

// Poll carries everything needed to recreate a poll at the destination.
type Poll struct {
	Question       string
	Options        []string
	Anonymous      bool
	Quiz           bool
	MultipleChoice bool
	CorrectOption  int // index into Options, -1 when not a quiz
	Explanation    string
}

// SentCode is the outcome of a code request.
type SentCode struct {
	CodeHash     string
	DeliveryType string // "app", "sms", ...
}

// SignInResult distinguishes a completed login from a 2FA continuation.
type SignInResult struct {
	Success  bool
	Needs2FA bool
}

// QRToken is an exported login token for QR display.
type QRToken struct {
	Token     []byte
	URL       string // tg://login?token=<base64url>, the QR payload
	ExpiresAt time.Time
}

// QRStatus is the result of polling an exported token.
type QRStatus int

const (
	QRPending QRStatus = iota
	QRSuccess
	QRNeeds2FA
)

// ChatDescriptor is the uniform result of resolving any identifier form.
type ChatDescriptor struct {
	ID     int64 // wire-prefixed
	Title  string
	Handle string // without @, empty for private channels
}

// API is the capability set one logged-in (or logging-in) client exposes.
// Implementations normalise upstream errors into the relayerr taxonomy.
type API interface {
	Connect(ctx context.Context) error
	Disconnect() error

	RequestCode(ctx context.Context, phone string) (*SentCode, error)
	SignIn(ctx context.Context, phone, codeHash, code string) (*SignInResult, error)
	CheckPassword(ctx context.Context, password string) error
	ExportQRToken(ctx context.Context) (*QRToken, error)
	PollQRToken(ctx context.Context) (QRStatus, error)

	ExportSession() (string, error)
	SessionString() string
	WhoAmI(ctx context.Context) (int64, error)

	WarmPeerCache(ctx context.Context, limit int) int
	ResolveChat(ctx context.Context, ref ident.ChannelRef) (*ChatDescriptor, error)
	FetchHistory(ctx context.Context, chatID, sinceID int64, limit int) ([]*Message, error)

	// FetchMessages pulls specific messages by ID. Deleted or otherwise
	// missing IDs are absent from the result, not an error.
	FetchMessages(ctx context.Context, chatID int64, ids []int64) ([]*Message, error)

	CopyMessage(ctx context.Context, dstChatID, srcChatID, messageID int64) (int64, error)
	SendAlbum(ctx context.Context, dstChatID int64, items []*Message) ([]int64, error)
	SendPoll(ctx context.Context, dstChatID int64, poll *Poll) (int64, error)
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)

	// Subscribe installs a push handler for new channel posts and returns
	// a function removing it. Multiple subscriptions may coexist.
	Subscribe(handler func(*Message)) (remove func(), err error)
}
