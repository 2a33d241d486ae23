// Package sources manages the channels a user monitors.
package sources

import (
	"context"
	"database/sql"
	"errors"

	"github.com/eternisai/channel-relay/internal/ident"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

// MaxPerUser caps monitored channels per user.
const MaxPerUser = 50

var (
	ErrAlreadyAdded = errors.New("sources: channel already monitored")
	ErrQuotaReached = errors.New("sources: channel limit reached")
)

type sourceRepo interface {
	Add(ctx context.Context, userID, channelID int64, username sql.NullString, title string) (*pg.Source, error)
	GetByChannel(ctx context.Context, userID, channelID int64) (*pg.Source, error)
	GetActiveByUser(ctx context.Context, userID int64) ([]*pg.Source, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type clientProvider interface {
	Acquire(ctx context.Context, userID int64) (mtclient.API, error)
}

// Service validates, resolves and persists source channels.
type Service struct {
	repo    sourceRepo
	clients clientProvider
	log     *logger.Logger
}

func NewService(repo sourceRepo, clients clientProvider, log *logger.Logger) *Service {
	return &Service{repo: repo, clients: clients, log: log.WithComponent("sources")}
}

// LineResult is the outcome for one line of a batch intake.
type LineResult struct {
	Raw    string
	Source *pg.Source
	Err    error
}

// AddBatch takes one identifier per line and adds each independently, so a
// bad line never sinks the rest.
func (s *Service) AddBatch(ctx context.Context, userID int64, text string) []LineResult {
	lines := ident.ParseBatch(text)
	results := make([]LineResult, 0, len(lines))
	for _, line := range lines {
		if line.Err != nil {
			results = append(results, LineResult{Raw: line.Raw, Err: line.Err})
			continue
		}
		src, err := s.addOne(ctx, userID, line.Ref)
		results = append(results, LineResult{Raw: line.Raw, Source: src, Err: err})
	}
	return results
}

// Add resolves and stores a single channel identifier.
func (s *Service) Add(ctx context.Context, userID int64, raw string) (*pg.Source, error) {
	ref, err := ident.ParseChannel(raw)
	if err != nil {
		return nil, err
	}
	return s.addOne(ctx, userID, ref)
}

func (s *Service) addOne(ctx context.Context, userID int64, ref ident.ChannelRef) (*pg.Source, error) {
	count, err := s.repo.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= MaxPerUser {
		return nil, ErrQuotaReached
	}

	desc, err := s.resolve(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByChannel(ctx, userID, desc.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.IsActive {
			return existing, ErrAlreadyAdded
		}
		// Re-adding a removed source resumes from its old high-water mark.
		if err := s.repo.SetActive(ctx, existing.ID, true); err != nil {
			return nil, err
		}
		existing.IsActive = true
		s.log.Info("source reactivated", "user_id", userID, "chat_id", desc.ID)
		return existing, nil
	}

	src, err := s.repo.Add(ctx, userID, desc.ID, usernameOf(desc), desc.Title)
	if err != nil {
		return nil, err
	}
	s.log.Info("source added", "user_id", userID, "chat_id", desc.ID, "title", desc.Title)
	return src, nil
}

// Remove deactivates a monitored channel, keeping its history and
// high-water mark for a later re-add.
func (s *Service) Remove(ctx context.Context, userID int64, raw string) error {
	ref, err := ident.ParseChannel(raw)
	if err != nil {
		return err
	}

	var channelID int64
	if ref.Kind == ident.KindNumericID {
		channelID = ref.ID
	} else {
		desc, err := s.resolve(ctx, userID, ref)
		if err != nil {
			return err
		}
		channelID = desc.ID
	}

	existing, err := s.repo.GetByChannel(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if existing == nil || !existing.IsActive {
		return relayerr.ErrNotFound
	}
	if err := s.repo.SetActive(ctx, existing.ID, false); err != nil {
		return err
	}
	s.log.Info("source removed", "user_id", userID, "chat_id", channelID)
	return nil
}

// List returns the user's active sources.
func (s *Service) List(ctx context.Context, userID int64) ([]*pg.Source, error) {
	return s.repo.GetActiveByUser(ctx, userID)
}

func (s *Service) resolve(ctx context.Context, userID int64, ref ident.ChannelRef) (*mtclient.ChatDescriptor, error) {
	client, err := s.clients.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	return client.ResolveChat(ctx, ref)
}

func usernameOf(desc *mtclient.ChatDescriptor) sql.NullString {
	if desc.Handle == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: desc.Handle, Valid: true}
}
