// Package filter implements keyword filtering of post text.
package filter

import (
	"regexp"
	"strings"

	"github.com/eternisai/channel-relay/internal/relayerr"
)

// Mode selects how keyword matches translate into pass/block.
type Mode string

const (
	// ModeBlacklist passes a message iff no keyword matches.
	ModeBlacklist Mode = "blacklist"
	// ModeWhitelist passes a message iff at least one keyword matches.
	ModeWhitelist Mode = "whitelist"
)

// Engine matches configured keywords against message text.
// Keywords match on word boundaries; keywords starting with # match as
// hashtags (preceded by start-of-text or whitespace, followed by
// whitespace or end).
type Engine struct {
	mode     Mode
	patterns []*regexp.Regexp
}

// New compiles the keyword set. An empty keyword list is valid: blacklist
// passes everything, whitelist blocks everything with at least one keyword
// required to ever match.
func New(keywords []string, mode Mode, caseSensitive bool) (*Engine, error) {
	if mode != ModeBlacklist && mode != ModeWhitelist {
		return nil, relayerr.NewInputInvalid("unknown filter mode %q", mode)
	}

	e := &Engine{mode: mode}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}

		var expr string
		if strings.HasPrefix(kw, "#") {
			expr = `(^|\s)` + regexp.QuoteMeta(kw) + `(\s|$)`
		} else {
			expr = `\b` + regexp.QuoteMeta(kw) + `\b`
		}
		if !caseSensitive {
			expr = `(?i)` + expr
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, relayerr.NewInputInvalid("bad filter keyword %q: %v", kw, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

// Pass reports whether a message with the given text should be relayed.
// Empty text passes a blacklist and is blocked by a whitelist.
func (e *Engine) Pass(text string) bool {
	if len(e.patterns) == 0 {
		return e.mode == ModeBlacklist
	}
	if text == "" {
		return e.mode == ModeBlacklist
	}

	matched := false
	for _, re := range e.patterns {
		if re.MatchString(text) {
			matched = true
			break
		}
	}

	if e.mode == ModeWhitelist {
		return matched
	}
	return !matched
}
