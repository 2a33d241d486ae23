// Package destinations manages the single channel a user relays into.
// A user without an active destination gets posts in their DM instead.
package destinations

import (
	"context"
	"database/sql"

	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type destinationRepo interface {
	Upsert(ctx context.Context, userID, channelID int64, username sql.NullString, title string) (*pg.Destination, error)
	GetActiveByUser(ctx context.Context, userID int64) (*pg.Destination, error)
	Deactivate(ctx context.Context, userID int64) error
}

type clientProvider interface {
	Acquire(ctx context.Context, userID int64) (mtclient.API, error)
}

// Service resolves and persists the destination channel.
type Service struct {
	repo    destinationRepo
	clients clientProvider
	log     *logger.Logger
}

func NewService(repo destinationRepo, clients clientProvider, log *logger.Logger) *Service {
	return &Service{repo: repo, clients: clients, log: log.WithComponent("destinations")}
}

// Set resolves the identifier and makes it the user's destination,
// replacing any previous one.
func (s *Service) Set(ctx context.Context, userID int64, raw string) (*pg.Destination, error) {
	ref, err := ident.ParseChannel(raw)
	if err != nil {
		return nil, err
	}

	client, err := s.clients.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	desc, err := client.ResolveChat(ctx, ref)
	if err != nil {
		return nil, err
	}

	var username sql.NullString
	if desc.Handle != "" {
		username = sql.NullString{String: desc.Handle, Valid: true}
	}
	dest, err := s.repo.Upsert(ctx, userID, desc.ID, username, desc.Title)
	if err != nil {
		return nil, err
	}
	s.log.Info("destination set", "user_id", userID, "chat_id", desc.ID, "title", desc.Title)
	return dest, nil
}

// Clear switches the user back to DM delivery.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	if err := s.repo.Deactivate(ctx, userID); err != nil {
		return err
	}
	s.log.Info("destination cleared", "user_id", userID)
	return nil
}

// Get returns the active destination, or nil in DM mode.
func (s *Service) Get(ctx context.Context, userID int64) (*pg.Destination, error) {
	return s.repo.GetActiveByUser(ctx, userID)
}
