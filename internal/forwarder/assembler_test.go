package forwarder

import (
	"sync"
	"testing"
	"time"

	"github.com/eternisai/channel-relay/internal/mtclient"
)

type flushRecorder struct {
	mu    sync.Mutex
	units [][]*mtclient.Message
	ch    chan []*mtclient.Message
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan []*mtclient.Message, 16)}
}

func (f *flushRecorder) flush(items []*mtclient.Message) {
	f.mu.Lock()
	f.units = append(f.units, items)
	f.mu.Unlock()
	f.ch <- items
}

func (f *flushRecorder) wait(t *testing.T) []*mtclient.Message {
	t.Helper()
	select {
	case items := <-f.ch:
		return items
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return nil
	}
}

func TestAssemblerSingleMessagePassesThrough(t *testing.T) {
	rec := newFlushRecorder()
	a := NewAssembler(50*time.Millisecond, rec.flush)

	a.Add(&mtclient.Message{ID: 1, ChatID: -100})
	items := rec.wait(t)
	if len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("got %v", items)
	}
}

func TestAssemblerGroupsFlushSortedAfterQuiet(t *testing.T) {
	rec := newFlushRecorder()
	a := NewAssembler(30*time.Millisecond, rec.flush)

	// Out of order, as push updates can arrive.
	a.Add(&mtclient.Message{ID: 12, GroupID: 7})
	a.Add(&mtclient.Message{ID: 10, GroupID: 7})
	a.Add(&mtclient.Message{ID: 11, GroupID: 7})

	items := rec.wait(t)
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []int64{10, 11, 12} {
		if items[i].ID != want {
			t.Fatalf("item %d has ID %d, want %d", i, items[i].ID, want)
		}
	}
}

func TestAssemblerFlushWindowIsFixed(t *testing.T) {
	rec := newFlushRecorder()
	a := NewAssembler(120*time.Millisecond, rec.flush)

	a.Add(&mtclient.Message{ID: 1, GroupID: 9})
	time.Sleep(60 * time.Millisecond)
	a.Add(&mtclient.Message{ID: 2, GroupID: 9})

	// The window runs from the first part. If later parts extended it, the
	// flush would land a full window after the second part instead.
	start := time.Now()
	items := rec.wait(t)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("flush arrived %v after the second part, window was extended", elapsed)
	}

	// A part landing after the flush opens a new group of its own.
	a.Add(&mtclient.Message{ID: 3, GroupID: 9})
	late := rec.wait(t)
	if len(late) != 1 || late[0].ID != 3 {
		t.Fatalf("straggler flush = %v", late)
	}
}

func TestAssemblerSeparateGroupsStaySeparate(t *testing.T) {
	rec := newFlushRecorder()
	a := NewAssembler(30*time.Millisecond, rec.flush)

	a.Add(&mtclient.Message{ID: 1, GroupID: 1})
	a.Add(&mtclient.Message{ID: 2, GroupID: 2})

	first := rec.wait(t)
	second := rec.wait(t)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("groups merged: %d and %d items", len(first), len(second))
	}
}

func TestAssemblerCloseFlushesPending(t *testing.T) {
	rec := newFlushRecorder()
	a := NewAssembler(time.Hour, rec.flush)

	a.Add(&mtclient.Message{ID: 2, GroupID: 5})
	a.Add(&mtclient.Message{ID: 1, GroupID: 5})
	a.Close()

	items := rec.wait(t)
	if len(items) != 2 || items[0].ID != 1 {
		t.Fatalf("got %v", items)
	}

	// After close, input is dropped.
	a.Add(&mtclient.Message{ID: 3, GroupID: 5})
	select {
	case <-rec.ch:
		t.Fatal("closed assembler still flushing")
	case <-time.After(20 * time.Millisecond):
	}
}
