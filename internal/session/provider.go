package session

import (
	"context"

	"github.com/eternisai/channel-relay/internal/mtclient"
)

type clientRegistry interface {
	Acquire(ctx context.Context, userID int64, session string) (mtclient.API, error)
}

// ClientProvider hands out a user's connected client, loading and decrypting
// their stored session on the way. Services that need ad-hoc upstream calls
// (resolving channels, probing access) go through this instead of touching
// session plumbing themselves.
type ClientProvider struct {
	Store    *Store
	Registry clientRegistry
}

// Acquire returns the user's live client, establishing it if needed.
// Fails with ErrNoSession when the user has never logged in.
func (p *ClientProvider) Acquire(ctx context.Context, userID int64) (mtclient.API, error) {
	sess, err := p.Store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Registry.Acquire(ctx, userID, sess)
}
