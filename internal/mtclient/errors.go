package mtclient

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eternisai/channel-relay/internal/relayerr"
)

var floodWaitRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// normalizeError maps upstream RPC error strings onto the relay taxonomy.
// Anything unrecognised passes through unchanged and is treated as
// transient by callers.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	if m := floodWaitRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return &relayerr.RateLimited{RetryAfter: time.Duration(secs) * time.Second}
	}

	switch {
	case strings.Contains(msg, "PHONE_CODE_INVALID"),
		strings.Contains(msg, "PHONE_CODE_EMPTY"):
		return relayerr.ErrCodeInvalid
	case strings.Contains(msg, "PHONE_CODE_EXPIRED"):
		return relayerr.ErrCodeExpired
	case strings.Contains(msg, "PASSWORD_HASH_INVALID"):
		return relayerr.ErrPasswordInvalid
	case strings.Contains(msg, "AUTH_KEY_UNREGISTERED"),
		strings.Contains(msg, "SESSION_REVOKED"),
		strings.Contains(msg, "USER_DEACTIVATED"):
		return relayerr.ErrAuthRejected
	case strings.Contains(msg, "USERNAME_NOT_OCCUPIED"),
		strings.Contains(msg, "USERNAME_INVALID"),
		strings.Contains(msg, "CHANNEL_INVALID"),
		strings.Contains(msg, "CHANNEL_PRIVATE"),
		strings.Contains(msg, "INVITE_HASH_EXPIRED"),
		strings.Contains(msg, "INVITE_HASH_INVALID"):
		return relayerr.ErrNotFound
	case strings.Contains(msg, "PEER_ID_INVALID"),
		strings.Contains(msg, "CHAT_WRITE_FORBIDDEN"),
		strings.Contains(msg, "CHAT_ADMIN_REQUIRED"),
		strings.Contains(msg, "MEDIA_EMPTY"):
		return &relayerr.Permanent{Err: err}
	}

	return err
}

// isSessionPasswordNeeded recognises the 2FA continuation signal, which the
// upstream reports as an error on sign-in.
func isSessionPasswordNeeded(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SESSION_PASSWORD_NEEDED")
}
