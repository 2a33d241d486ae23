package pg

import (
	"database/sql"
	"time"
)

// User states persisted on the users row. The relay owns the transitions;
// the chat UI only reads them.
const (
	UserStateIdle           = "idle"
	UserStateAwaitingCode   = "awaiting_code"
	UserStateAwaiting2FA    = "awaiting_2fa"
	UserStateMainMenu       = "main_menu"
	UserStateRunning        = "running"
	UserStateSessionExpired = "session_expired"
)

// Delivery statuses. Pending records only ever move to success or failed.
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// User is one enrolled end user, keyed by their Telegram ID.
type User struct {
	ID        int64
	Phone     []byte // encrypted, may be nil
	State     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is the encrypted session blob for one user.
type Session struct {
	ID          int64
	UserID      int64
	SessionData []byte // encrypted
	SessionHash string // hex SHA-256 of the plaintext, audit only
	IsValid     bool
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   sql.NullTime
}

// Source is a monitored channel owned by one user.
type Source struct {
	ID              int64
	UserID          int64
	ChannelID       int64
	ChannelUsername sql.NullString
	ChannelTitle    string
	IsActive        bool
	LastMessageID   int64
	AddedAt         time.Time
	LastCheckedAt   sql.NullTime
}

// Destination is the channel posts are relayed into. Absence of an active
// row means DM fallback mode.
type Destination struct {
	ID              int64
	UserID          int64
	ChannelID       int64
	ChannelUsername sql.NullString
	ChannelTitle    string
	IsActive        bool
	ConfiguredAt    time.Time
}

// DeliveryRecord is one forwarding attempt.
type DeliveryRecord struct {
	ID                 int64
	UserID             int64
	SourceID           sql.NullInt64
	DestinationID      sql.NullInt64
	OriginalMessageID  int64
	ForwardedMessageID sql.NullInt64
	Status             string
	Retryable          bool
	RetryCount         int
	ErrorMessage       sql.NullString
	CreatedAt          time.Time
	CompletedAt        sql.NullTime
}

// DeliveryStats is an aggregate over a time window.
type DeliveryStats struct {
	Success int64
	Failed  int64
	Pending int64
}
