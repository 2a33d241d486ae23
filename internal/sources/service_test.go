package sources

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type memRepo struct {
	nextID  int64
	rows    map[int64]*pg.Source // by source ID
	byChan  map[int64]int64      // channel ID -> source ID
	addErrs error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[int64]*pg.Source), byChan: make(map[int64]int64)}
}

func (m *memRepo) Add(ctx context.Context, userID, channelID int64, username sql.NullString, title string) (*pg.Source, error) {
	if m.addErrs != nil {
		return nil, m.addErrs
	}
	m.nextID++
	s := &pg.Source{ID: m.nextID, UserID: userID, ChannelID: channelID,
		ChannelUsername: username, ChannelTitle: title, IsActive: true}
	m.rows[s.ID] = s
	m.byChan[channelID] = s.ID
	return s, nil
}

func (m *memRepo) GetByChannel(ctx context.Context, userID, channelID int64) (*pg.Source, error) {
	id, ok := m.byChan[channelID]
	if !ok {
		return nil, nil
	}
	return m.rows[id], nil
}

func (m *memRepo) GetActiveByUser(ctx context.Context, userID int64) ([]*pg.Source, error) {
	var out []*pg.Source
	for _, s := range m.rows {
		if s.UserID == userID && s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memRepo) CountActive(ctx context.Context, userID int64) (int, error) {
	n := 0
	for _, s := range m.rows {
		if s.UserID == userID && s.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) SetActive(ctx context.Context, id int64, active bool) error {
	m.rows[id].IsActive = active
	return nil
}

type resolverClient struct {
	mtclient.API
	chats map[string]*mtclient.ChatDescriptor // keyed by handle or invite hash
	byID  map[int64]*mtclient.ChatDescriptor
}

func (r *resolverClient) ResolveChat(ctx context.Context, ref ident.ChannelRef) (*mtclient.ChatDescriptor, error) {
	switch ref.Kind {
	case ident.KindHandle:
		if d, ok := r.chats[ref.Handle]; ok {
			return d, nil
		}
	case ident.KindInviteLink:
		if d, ok := r.chats[ref.InviteHash]; ok {
			return d, nil
		}
	case ident.KindNumericID:
		if d, ok := r.byID[ref.ID]; ok {
			return d, nil
		}
	}
	return nil, relayerr.ErrNotFound
}

type fixedProvider struct {
	client mtclient.API
	err    error
}

func (p *fixedProvider) Acquire(ctx context.Context, userID int64) (mtclient.API, error) {
	return p.client, p.err
}

func newTestService() (*Service, *memRepo, *resolverClient) {
	repo := newMemRepo()
	client := &resolverClient{
		chats: map[string]*mtclient.ChatDescriptor{
			"technews": {ID: -1001234567890, Title: "Tech News", Handle: "technews"},
			"golang":   {ID: -1002222222222, Title: "Go Channel", Handle: "golang"},
			"AbCdEf":   {ID: -1003333333333, Title: "Private Deals"},
		},
		byID: map[int64]*mtclient.ChatDescriptor{
			-1001234567890: {ID: -1001234567890, Title: "Tech News", Handle: "technews"},
		},
	}
	svc := NewService(repo, &fixedProvider{client: client}, logger.NewNop())
	return svc, repo, client
}

func TestAddResolvesAndStores(t *testing.T) {
	svc, _, _ := newTestService()

	src, err := svc.Add(context.Background(), 1, "@technews")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if src.ChannelID != -1001234567890 || src.ChannelTitle != "Tech News" {
		t.Fatalf("source = %+v", src)
	}
	if !src.ChannelUsername.Valid || src.ChannelUsername.String != "technews" {
		t.Fatalf("username = %+v", src.ChannelUsername)
	}
}

func TestAddInviteLink(t *testing.T) {
	svc, _, _ := newTestService()

	src, err := svc.Add(context.Background(), 1, "https://t.me/+AbCdEf")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if src.ChannelID != -1003333333333 {
		t.Fatalf("source = %+v", src)
	}
	if src.ChannelUsername.Valid {
		t.Fatal("private channel must not get a username")
	}
}

func TestAddDuplicate(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, 1, "@technews"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := svc.Add(ctx, 1, "@technews"); !errors.Is(err, ErrAlreadyAdded) {
		t.Fatalf("got %v, want ErrAlreadyAdded", err)
	}
}

func TestAddUnknownChannel(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Add(context.Background(), 1, "@nosuchchannel"); !errors.Is(err, relayerr.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAddQuota(t *testing.T) {
	svc, repo, client := newTestService()
	ctx := context.Background()

	for i := 0; i < MaxPerUser; i++ {
		id := int64(-1004000000000) - int64(i)
		repo.byChan[id] = 0
		repo.nextID++
		repo.rows[repo.nextID] = &pg.Source{ID: repo.nextID, UserID: 1, ChannelID: id, IsActive: true}
		repo.byChan[id] = repo.nextID
	}
	_ = client

	if _, err := svc.Add(ctx, 1, "@technews"); !errors.Is(err, ErrQuotaReached) {
		t.Fatalf("got %v, want ErrQuotaReached", err)
	}
}

func TestRemoveAndReactivate(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	added, err := svc.Add(ctx, 1, "@technews")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := svc.Remove(ctx, 1, "@technews"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	active, _ := svc.List(ctx, 1)
	if len(active) != 0 {
		t.Fatal("removed source still listed")
	}

	// Removing again reports not found.
	if err := svc.Remove(ctx, 1, "@technews"); !errors.Is(err, relayerr.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	// Re-adding reactivates the same row, high-water mark intact.
	back, err := svc.Add(ctx, 1, "@technews")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if back.ID != added.ID {
		t.Fatalf("re-add created row %d, want %d", back.ID, added.ID)
	}
}

func TestAddBatchPartialFailures(t *testing.T) {
	svc, _, _ := newTestService()

	results := svc.AddBatch(context.Background(), 1, `
		@technews
		not a channel!!
		@golang
		@nosuchchannel
	`)

	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if results[0].Err != nil || results[0].Source == nil {
		t.Fatalf("line 1: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatal("unparseable line accepted")
	}
	if results[2].Err != nil {
		t.Fatalf("line 3: %v", results[2].Err)
	}
	if !errors.Is(results[3].Err, relayerr.ErrNotFound) {
		t.Fatalf("line 4: %v", results[3].Err)
	}
}

func TestAddRequiresLogin(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &fixedProvider{err: relayerr.ErrNoSession}, logger.NewNop())

	if _, err := svc.Add(context.Background(), 1, "@technews"); !errors.Is(err, relayerr.ErrNoSession) {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}
