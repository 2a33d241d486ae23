package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/eternisai/channel-relay/internal/filter"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type fakeSessions struct {
	sessions map[int64]string
}

func (f *fakeSessions) Load(ctx context.Context, userID int64) (string, error) {
	s, ok := f.sessions[userID]
	if !ok {
		return "", relayerr.ErrNoSession
	}
	return s, nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	clients  map[int64]mtclient.API
	acquired []int64
	removed  []int64
}

func (f *fakeRegistry) Acquire(ctx context.Context, userID int64, session string) (mtclient.API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[userID]
	if !ok {
		return nil, errors.New("no client wired for user")
	}
	f.acquired = append(f.acquired, userID)
	return c, nil
}

func (f *fakeRegistry) Remove(userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, userID)
}

type fakeUsers struct {
	mu         sync.Mutex
	states     map[int64]string
	candidates []int64
}

func (f *fakeUsers) UpdateState(ctx context.Context, id int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(map[int64]string)
	}
	f.states[id] = state
	return nil
}

func (f *fakeUsers) GetBootstrapCandidates(ctx context.Context) ([]int64, error) {
	return f.candidates, nil
}

func (f *fakeUsers) state(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

type supervisorFixture struct {
	sup      *Supervisor
	client   *clientEmulator
	dm       *dmEmulator
	repo     *memDeliveryRepo
	sources  *memSourceRepo
	registry *fakeRegistry
	users    *fakeUsers
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	client := newClientEmulator()
	dm := &dmEmulator{}
	repo := newMemDeliveryRepo()
	sources := newMemSourceRepo(testSource())
	registry := &fakeRegistry{clients: map[int64]mtclient.API{1: client}}
	users := &fakeUsers{}

	fe, err := filter.New(nil, filter.ModeBlacklist, false)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}

	cfg := SupervisorConfig{
		Dispatcher: Config{
			FloodWaitMultiplier: 1.0,
			MaxSendAttempts:     3,
			DMMaxMediaBytes:     20 << 20,
		},
		MediaGroupTimeout: 20 * time.Millisecond,
		PollInterval:      time.Hour,
		PollBatchSize:     20,
	}

	sup := NewSupervisor(&fakeSessions{sessions: map[int64]string{1: "sess"}},
		registry, sources, &fixedDestRepo{dest: channelDest()},
		NewLedger(repo, 5, logger.NewNop()), dm, fe, users,
		rate.NewLimiter(rate.Inf, 1), cfg, logger.NewNop())

	return &supervisorFixture{sup: sup, client: client, dm: dm, repo: repo,
		sources: sources, registry: registry, users: users}
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	f := newSupervisorFixture(t)
	ctx := context.Background()

	if err := f.sup.Start(ctx, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sup.Start(ctx, 1); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if len(f.registry.acquired) != 1 {
		t.Fatalf("acquired %d times, want 1", len(f.registry.acquired))
	}
	if !f.sup.Running(1) {
		t.Fatal("user should be running")
	}
	if f.users.state(1) != pg.UserStateRunning {
		t.Fatalf("state = %q", f.users.state(1))
	}
	f.sup.StopAll()
}

func TestSupervisorStartWithoutSession(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 99); !errors.Is(err, relayerr.ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
	if f.sup.Running(99) {
		t.Fatal("user must not be running")
	}
}

func TestSupervisorPushDelivery(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.sup.StopAll()

	src := testSource()
	f.client.push(&mtclient.Message{ID: 100, ChatID: src.ChannelID, Kind: mtclient.KindText, Text: "hi"})

	waitFor(t, func() bool { return f.client.copyCount() == 1 })
	if f.sources.mark(src.ID) != 100 {
		t.Fatalf("high water = %d", f.sources.mark(src.ID))
	}
}

func TestSupervisorPushAcceptsBareChannelIDs(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.sup.StopAll()

	// Some update paths report the bare positive channel ID; the watch set
	// is keyed by the wire-prefixed form.
	src := testSource()
	f.client.push(&mtclient.Message{ID: 100, ChatID: 1234567890, Kind: mtclient.KindText, Text: "hi"})

	waitFor(t, func() bool { return f.client.copyCount() == 1 })
	if f.sources.mark(src.ID) != 100 {
		t.Fatalf("high water = %d", f.sources.mark(src.ID))
	}
}

func TestSupervisorStartWithoutSources(t *testing.T) {
	f := newSupervisorFixture(t)
	f.sources.mu.Lock()
	for _, s := range f.sources.sources {
		s.IsActive = false
	}
	f.sources.mu.Unlock()

	err := f.sup.Start(context.Background(), 1)
	if !errors.Is(err, relayerr.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if f.sup.Running(1) {
		t.Fatal("user must not be running")
	}
	if len(f.registry.acquired) != 0 {
		t.Fatal("client acquired despite nothing to watch")
	}
}

func TestSupervisorIgnoresUnwatchedChannels(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.sup.StopAll()

	f.client.push(&mtclient.Message{ID: 5, ChatID: -1000000000001, Kind: mtclient.KindText, Text: "noise"})

	time.Sleep(50 * time.Millisecond)
	if f.client.copyCount() != 0 {
		t.Fatal("message from unwatched channel was relayed")
	}
}

func TestSupervisorAlbumAssembly(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.sup.StopAll()

	src := testSource()
	f.client.push(&mtclient.Message{ID: 101, ChatID: src.ChannelID, GroupID: 9, Kind: mtclient.KindPhoto})
	f.client.push(&mtclient.Message{ID: 100, ChatID: src.ChannelID, GroupID: 9, Kind: mtclient.KindPhoto, Text: "cap"})

	waitFor(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.albums) == 1
	})
	f.client.mu.Lock()
	album := f.client.albums[0]
	f.client.mu.Unlock()
	if len(album) != 2 || album[0].ID != 100 {
		t.Fatalf("album = %v", album)
	}
}

func TestSupervisorStopTearsDown(t *testing.T) {
	f := newSupervisorFixture(t)
	if err := f.sup.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.sup.Stop(1)
	if f.sup.Running(1) {
		t.Fatal("user still running after stop")
	}
	if len(f.registry.removed) != 1 || f.registry.removed[0] != 1 {
		t.Fatalf("removed = %v", f.registry.removed)
	}

	// Push after stop goes nowhere.
	f.client.push(&mtclient.Message{ID: 100, ChatID: testSource().ChannelID, Kind: mtclient.KindText})
	time.Sleep(30 * time.Millisecond)
	if f.client.copyCount() != 0 {
		t.Fatal("stopped forwarder still relaying")
	}

	// Stop is safe to repeat.
	f.sup.Stop(1)
}

func TestSupervisorStartAll(t *testing.T) {
	f := newSupervisorFixture(t)
	f.users.candidates = []int64{1, 99}

	f.sup.StartAll(context.Background())
	defer f.sup.StopAll()

	if !f.sup.Running(1) {
		t.Fatal("candidate 1 not started")
	}
	// 99 has no session; bootstrap logs and moves on.
	if f.sup.Running(99) {
		t.Fatal("candidate without session started")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
