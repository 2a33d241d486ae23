// Package relayerr defines the error taxonomy shared across the relay.
// Lower layers return these typed values; the dispatcher, auth coordinator
// and session monitor normalise them into outcomes instead of re-raising.
package relayerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRejected signals the upstream no longer accepts the session.
	ErrAuthRejected = errors.New("session rejected by upstream")
	// ErrCodeInvalid signals a wrong login code.
	ErrCodeInvalid = errors.New("invalid confirmation code")
	// ErrCodeExpired signals the login code expired before use.
	ErrCodeExpired = errors.New("confirmation code expired")
	// ErrPasswordInvalid signals a wrong 2FA password.
	ErrPasswordInvalid = errors.New("invalid 2FA password")
	// ErrNoSession signals the user has no valid stored session.
	ErrNoSession = errors.New("no session")
	// ErrNotConfigured signals the user has no active sources.
	ErrNotConfigured = errors.New("no sources configured")
	// ErrNotFound signals a chat or peer could not be resolved.
	ErrNotFound = errors.New("chat not found")
)

// RateLimited carries the upstream-mandated pause.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimited if it is one.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// InputInvalid carries a user-facing reason for a rejected input
// (malformed phone, unparseable channel identifier, and the like).
type InputInvalid struct {
	Reason string
}

func (e *InputInvalid) Error() string {
	return "invalid input: " + e.Reason
}

// NewInputInvalid builds an InputInvalid with a formatted reason.
func NewInputInvalid(format string, args ...interface{}) *InputInvalid {
	return &InputInvalid{Reason: fmt.Sprintf(format, args...)}
}

// Permanent marks an upstream failure that retrying cannot fix,
// e.g. "peer id invalid" after a cache warm or media over the DM cap.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *Permanent) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is wrapped as permanent.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}
