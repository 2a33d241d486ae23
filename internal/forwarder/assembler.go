// Package forwarder moves posts from monitored channels to their
// destination: assembly, filtering, dedup, rate limiting, delivery and
// retries. One Runner per user, all owned by the Supervisor.
package forwarder

import (
	"sort"
	"sync"
	"time"

	"github.com/eternisai/channel-relay/internal/metrics"
	"github.com/eternisai/channel-relay/internal/mtclient"
)

// Assembler buffers messages that share a media-group ID and flushes the
// group a fixed window after its first part arrived. Later parts join the
// buffer but never extend the window, so a steady trickle cannot delay the
// flush; a straggler past the window starts a fresh group. Messages outside
// any group flush immediately.
type Assembler struct {
	timeout time.Duration
	flush   func(items []*mtclient.Message)

	mu     sync.Mutex
	groups map[int64]*groupBuf
	closed bool
}

type groupBuf struct {
	items []*mtclient.Message
	timer *time.Timer
}

func NewAssembler(timeout time.Duration, flush func(items []*mtclient.Message)) *Assembler {
	return &Assembler{
		timeout: timeout,
		flush:   flush,
		groups:  make(map[int64]*groupBuf),
	}
}

// Add routes one message. Flushes run on the timer goroutine; the flush
// callback must be safe to call from there.
func (a *Assembler) Add(msg *mtclient.Message) {
	if msg.GroupID == 0 {
		a.flush([]*mtclient.Message{msg})
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	buf, ok := a.groups[msg.GroupID]
	if !ok {
		buf = &groupBuf{}
		groupID := msg.GroupID
		// The window is armed once per group; later parts do not extend it.
		buf.timer = time.AfterFunc(a.timeout, func() { a.fire(groupID) })
		a.groups[msg.GroupID] = buf
	}
	buf.items = append(buf.items, msg)
	a.mu.Unlock()
}

func (a *Assembler) fire(groupID int64) {
	a.mu.Lock()
	buf, ok := a.groups[groupID]
	delete(a.groups, groupID)
	a.mu.Unlock()

	if !ok || len(buf.items) == 0 {
		return
	}
	sort.Slice(buf.items, func(i, j int) bool { return buf.items[i].ID < buf.items[j].ID })
	metrics.MediaGroupsAssembled.Inc()
	a.flush(buf.items)
}

// Close flushes every pending group immediately and rejects further input.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := make([][]*mtclient.Message, 0, len(a.groups))
	for id, buf := range a.groups {
		buf.timer.Stop()
		delete(a.groups, id)
		if len(buf.items) > 0 {
			sort.Slice(buf.items, func(i, j int) bool { return buf.items[i].ID < buf.items[j].ID })
			pending = append(pending, buf.items)
		}
	}
	a.mu.Unlock()

	for _, items := range pending {
		a.flush(items)
	}
}
