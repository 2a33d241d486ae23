// Package ident parses the user-facing identifier forms the relay accepts:
// public handles, raw numeric channel IDs, private invite links and phone
// numbers. Parsing yields a sum type; resolution against the upstream is the
// caller's job.
package ident

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/eternisai/channel-relay/internal/relayerr"
)

// channelWirePrefix is the marker Telegram prepends to channel IDs on the
// Bot API wire. IDs are normalised to this form on storage.
const channelWirePrefix = -1000000000000

var (
	handleLinkRe = regexp.MustCompile(`^(?:https?://)?(?:t\.me|telegram\.me)/([a-zA-Z][a-zA-Z0-9_]{3,31})$`)
	handleRe     = regexp.MustCompile(`^@?([a-zA-Z][a-zA-Z0-9_]{3,31})$`)
	numericRe    = regexp.MustCompile(`^-?\d{10,14}$`)
	inviteRe     = regexp.MustCompile(`^(?:https?://)?(?:t\.me|telegram\.me)/(?:\+|joinchat/)([a-zA-Z0-9_-]+)$`)
	phoneRe      = regexp.MustCompile(`^\+\d{10,15}$`)
	phoneJunkRe  = regexp.MustCompile(`[\s\-()]`)
)

// Kind discriminates the accepted channel identifier forms.
type Kind int

const (
	KindHandle Kind = iota
	KindNumericID
	KindInviteLink
)

// ChannelRef is a parsed channel identifier.
type ChannelRef struct {
	Kind       Kind
	Handle     string // without @, for KindHandle
	ID         int64  // wire-prefixed, for KindNumericID
	InviteHash string // for KindInviteLink
}

// ParseChannel parses one channel identifier. Accepted forms: @name or
// t.me/name, a numeric ID with or without the wire prefix, and a private
// invite link (t.me/+hash or legacy t.me/joinchat/hash).
func ParseChannel(raw string) (ChannelRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChannelRef{}, relayerr.NewInputInvalid("empty channel identifier")
	}

	if m := inviteRe.FindStringSubmatch(s); m != nil {
		return ChannelRef{Kind: KindInviteLink, InviteHash: m[1]}, nil
	}
	if m := handleLinkRe.FindStringSubmatch(s); m != nil {
		return ChannelRef{Kind: KindHandle, Handle: m[1]}, nil
	}
	if numericRe.MatchString(s) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ChannelRef{}, relayerr.NewInputInvalid("channel id out of range: %s", s)
		}
		return ChannelRef{Kind: KindNumericID, ID: NormalizeChannelID(id)}, nil
	}
	if m := handleRe.FindStringSubmatch(s); m != nil {
		return ChannelRef{Kind: KindHandle, Handle: m[1]}, nil
	}

	return ChannelRef{}, relayerr.NewInputInvalid("unrecognised channel identifier: %s", raw)
}

// ParsedLine is one line of a batch intake with its parse outcome.
type ParsedLine struct {
	Raw string
	Ref ChannelRef
	Err error
}

// ParseBatch parses one identifier per non-empty line, preserving order and
// per-line errors so the caller can report partial failures.
func ParseBatch(text string) []ParsedLine {
	var out []ParsedLine
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ref, err := ParseChannel(line)
		out = append(out, ParsedLine{Raw: line, Ref: ref, Err: err})
	}
	return out
}

// NormalizeChannelID maps a bare channel ID to the wire-prefixed form.
// Already-prefixed IDs pass through unchanged.
func NormalizeChannelID(id int64) int64 {
	if id < channelWirePrefix {
		return id
	}
	if id < 0 {
		return channelWirePrefix + id
	}
	return channelWirePrefix - id
}

// BareChannelID strips the wire prefix, returning the positive bare ID used
// in t.me/c/<id>/<msg> links.
func BareChannelID(id int64) int64 {
	if id < channelWirePrefix {
		return -id + channelWirePrefix
	}
	if id < 0 {
		return -id
	}
	return id
}

// NormalizePhone strips spaces, dashes and parentheses and ensures a leading +.
func NormalizePhone(phone string) string {
	cleaned := phoneJunkRe.ReplaceAllString(phone, "")
	if cleaned != "" && !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned
}

// ValidatePhone reports whether phone normalises to +<10..15 digits>.
func ValidatePhone(phone string) bool {
	return phoneRe.MatchString(NormalizePhone(phone))
}
