package mtclient

import (
	"context"
	"sync"

	"github.com/eternisai/channel-relay/internal/logger"
)

// Factory builds a client for one user from a decrypted session string.
type Factory func(userID int64, session string) (API, error)

// Registry owns at most one live client per user. All lifecycle moves go
// through it so nothing else ever holds a stale client.
type Registry struct {
	mu      sync.Mutex
	clients map[int64]API
	factory Factory
	log     *logger.Logger
}

func NewRegistry(factory Factory, log *logger.Logger) *Registry {
	return &Registry{
		clients: make(map[int64]API),
		factory: factory,
		log:     log.WithComponent("registry"),
	}
}

// Get returns the user's live client, or nil when none is registered.
func (r *Registry) Get(userID int64) API {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[userID]
}

// Acquire returns the existing client for the user, or builds and connects
// one from the given session string. When the live client's session differs
// from the stored one the client is rebuilt, so a re-login always wins.
func (r *Registry) Acquire(ctx context.Context, userID int64, session string) (API, error) {
	r.mu.Lock()
	existing := r.clients[userID]
	r.mu.Unlock()

	if existing != nil && existing.SessionString() == session {
		return existing, nil
	}

	client, err := r.factory(userID, session)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Disconnect()
		return nil, err
	}

	r.mu.Lock()
	// Another goroutine may have won the race while we were connecting.
	if current := r.clients[userID]; current != nil && current != existing {
		r.mu.Unlock()
		_ = client.Disconnect()
		return current, nil
	}
	r.clients[userID] = client
	r.mu.Unlock()

	if existing != nil {
		if err := existing.Disconnect(); err != nil {
			r.log.Warn("disconnect of replaced client failed", "user_id", userID, "error", err)
		}
	}
	return client, nil
}

// Install registers an already-connected client, replacing any existing one.
// The auth coordinator uses this to hand over a freshly logged-in client.
func (r *Registry) Install(userID int64, client API) {
	r.mu.Lock()
	old := r.clients[userID]
	r.clients[userID] = client
	r.mu.Unlock()

	if old != nil && old != client {
		_ = old.Disconnect()
	}
}

// Remove disconnects and forgets the user's client.
func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	client := r.clients[userID]
	delete(r.clients, userID)
	r.mu.Unlock()

	if client != nil {
		if err := client.Disconnect(); err != nil {
			r.log.Warn("disconnect failed", "user_id", userID, "error", err)
		}
	}
}

// UserIDs lists users with a live client, in no particular order.
func (r *Registry) UserIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll disconnects every client. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]API, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[int64]API)
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.Disconnect()
	}
}
