package forwarder

import (
	"context"
	"database/sql"
	"sync"

	"github.com/eternisai/channel-relay/internal/botapi"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

// clientEmulator fakes the MTProto client for pipeline tests.
type clientEmulator struct {
	mtclient.API

	mu          sync.Mutex
	copies      []copyCall
	albums      [][]*mtclient.Message
	polls       []*mtclient.Poll
	downloads   []int64
	copyErrs    []error // consumed one per CopyMessage call
	downloadErr error
	history     map[int64][]*mtclient.Message // newest-first, keyed by chat
	handler     func(*mtclient.Message)
	nextID      int64
}

type copyCall struct {
	dst, src, msgID int64
}

func newClientEmulator() *clientEmulator {
	return &clientEmulator{history: make(map[int64][]*mtclient.Message), nextID: 1000}
}

func (e *clientEmulator) Connect(ctx context.Context) error { return nil }
func (e *clientEmulator) Disconnect() error                 { return nil }
func (e *clientEmulator) SessionString() string             { return "emulated" }

func (e *clientEmulator) WarmPeerCache(ctx context.Context, limit int) int { return 0 }

func (e *clientEmulator) Subscribe(handler func(*mtclient.Message)) (func(), error) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.handler = nil
		e.mu.Unlock()
	}, nil
}

func (e *clientEmulator) push(msg *mtclient.Message) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (e *clientEmulator) CopyMessage(ctx context.Context, dst, src, msgID int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.copyErrs) > 0 {
		err := e.copyErrs[0]
		e.copyErrs = e.copyErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	e.copies = append(e.copies, copyCall{dst, src, msgID})
	e.nextID++
	return e.nextID, nil
}

func (e *clientEmulator) SendAlbum(ctx context.Context, dst int64, items []*mtclient.Message) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.albums = append(e.albums, items)
	ids := make([]int64, len(items))
	for i := range ids {
		e.nextID++
		ids[i] = e.nextID
	}
	return ids, nil
}

func (e *clientEmulator) SendPoll(ctx context.Context, dst int64, poll *mtclient.Poll) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls = append(e.polls, poll)
	e.nextID++
	return e.nextID, nil
}

func (e *clientEmulator) DownloadMedia(ctx context.Context, msg *mtclient.Message) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.downloadErr != nil {
		return nil, e.downloadErr
	}
	e.downloads = append(e.downloads, msg.ID)
	return []byte("payload"), nil
}

func (e *clientEmulator) FetchHistory(ctx context.Context, chatID, sinceID int64, limit int) ([]*mtclient.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*mtclient.Message
	for _, m := range e.history[chatID] {
		if m.ID > sinceID {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (e *clientEmulator) FetchMessages(ctx context.Context, chatID int64, ids []int64) ([]*mtclient.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*mtclient.Message
	for _, m := range e.history[chatID] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (e *clientEmulator) copyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.copies)
}

// dmEmulator fakes the Bot API sender.
type dmEmulator struct {
	mu     sync.Mutex
	texts  []string
	media  []botapi.MediaItem
	groups [][]botapi.MediaItem
	polls  []*mtclient.Poll
	nextID int64
}

func (e *dmEmulator) SendText(ctx context.Context, userID int64, htmlText string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, htmlText)
	e.nextID++
	return e.nextID, nil
}

func (e *dmEmulator) SendMedia(ctx context.Context, userID int64, item botapi.MediaItem) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.media = append(e.media, item)
	e.nextID++
	return e.nextID, nil
}

func (e *dmEmulator) SendMediaGroup(ctx context.Context, userID int64, items []botapi.MediaItem) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = append(e.groups, items)
	ids := make([]int64, len(items))
	for i := range ids {
		e.nextID++
		ids[i] = e.nextID
	}
	return ids, nil
}

func (e *dmEmulator) SendPoll(ctx context.Context, userID int64, poll *mtclient.Poll) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls = append(e.polls, poll)
	e.nextID++
	return e.nextID, nil
}

// memDeliveryRepo is an in-memory delivery_log.
type memDeliveryRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*pg.DeliveryRecord
}

func newMemDeliveryRepo() *memDeliveryRepo {
	return &memDeliveryRepo{records: make(map[int64]*pg.DeliveryRecord)}
}

func (m *memDeliveryRepo) FindByMessage(ctx context.Context, userID, sourceID, messageID int64) (*pg.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.UserID == userID && rec.SourceID.Int64 == sourceID && rec.OriginalMessageID == messageID {
			return rec, nil
		}
	}
	return nil, nil
}

func (m *memDeliveryRepo) CreatePending(ctx context.Context, userID, sourceID int64, destinationID sql.NullInt64, messageID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records[m.nextID] = &pg.DeliveryRecord{
		ID:                m.nextID,
		UserID:            userID,
		SourceID:          sql.NullInt64{Int64: sourceID, Valid: true},
		DestinationID:     destinationID,
		OriginalMessageID: messageID,
		Status:            pg.DeliveryStatusPending,
		Retryable:         true,
	}
	return m.nextID, nil
}

func (m *memDeliveryRepo) MarkSuccess(ctx context.Context, id, forwardedID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.Status = pg.DeliveryStatusSuccess
	rec.ForwardedMessageID = sql.NullInt64{Int64: forwardedID, Valid: true}
	return nil
}

func (m *memDeliveryRepo) MarkFailed(ctx context.Context, id int64, errMsg string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.Status = pg.DeliveryStatusFailed
	rec.Retryable = retryable
	rec.ErrorMessage = sql.NullString{String: errMsg, Valid: true}
	if retryable {
		rec.RetryCount++
	}
	return nil
}

func (m *memDeliveryRepo) GetDueRetries(ctx context.Context, maxRetries, limit int) ([]*pg.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pg.DeliveryRecord
	for _, rec := range m.records {
		if rec.Status == pg.DeliveryStatusFailed && rec.Retryable && rec.RetryCount < maxRetries {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memDeliveryRepo) record(id int64) *pg.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memDeliveryRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// memSourceRepo is an in-memory sources table.
type memSourceRepo struct {
	mu        sync.Mutex
	sources   map[int64]*pg.Source // by source ID
	highWater map[int64]int64
}

func newMemSourceRepo(sources ...*pg.Source) *memSourceRepo {
	m := &memSourceRepo{sources: make(map[int64]*pg.Source), highWater: make(map[int64]int64)}
	for _, s := range sources {
		m.sources[s.ID] = s
	}
	return m
}

func (m *memSourceRepo) GetActiveByUser(ctx context.Context, userID int64) ([]*pg.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*pg.Source
	for _, s := range m.sources {
		if s.UserID == userID && s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSourceRepo) GetByID(ctx context.Context, id int64) (*pg.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[id], nil
}

func (m *memSourceRepo) AdvanceHighWater(ctx context.Context, id, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID > m.highWater[id] {
		m.highWater[id] = messageID
	}
	if s := m.sources[id]; s != nil && messageID > s.LastMessageID {
		s.LastMessageID = messageID
	}
	return nil
}

func (m *memSourceRepo) mark(id int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater[id]
}

// fixedDestRepo returns the same destination for everyone; nil means DM mode.
type fixedDestRepo struct {
	dest *pg.Destination
}

func (f *fixedDestRepo) GetActiveByUser(ctx context.Context, userID int64) (*pg.Destination, error) {
	return f.dest, nil
}
