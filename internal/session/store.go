// Package session persists MTProto session strings, encrypted per user, and
// watches their health.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/eternisai/channel-relay/internal/crypto"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/relayerr"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

type sessionRepo interface {
	Upsert(ctx context.Context, userID int64, data []byte, hash string) error
	GetValid(ctx context.Context, userID int64) (*pg.Session, error)
	Touch(ctx context.Context, userID int64) error
	Invalidate(ctx context.Context, userID int64) error
}

// Store encrypts session strings at rest. Plaintext never reaches the
// database: only the ciphertext and an audit hash of the plaintext do.
type Store struct {
	repo  sessionRepo
	box   *crypto.Box
	probe mtclient.Factory
	log   *logger.Logger
}

func NewStore(repo sessionRepo, box *crypto.Box, probe mtclient.Factory, log *logger.Logger) *Store {
	return &Store{
		repo:  repo,
		box:   box,
		probe: probe,
		log:   log.WithComponent("session"),
	}
}

// Save encrypts and stores the session string, marking it valid.
func (s *Store) Save(ctx context.Context, userID int64, session string) error {
	if session == "" {
		return relayerr.ErrNoSession
	}
	encrypted, err := s.box.Encrypt(userID, []byte(session))
	if err != nil {
		return fmt.Errorf("encrypt session for user %d: %w", userID, err)
	}
	return s.repo.Upsert(ctx, userID, encrypted, crypto.Hash([]byte(session)))
}

// Load returns the decrypted session string for the user.
// A missing or tampered blob yields ErrNoSession; tampering additionally
// invalidates the row so it is never tried again.
func (s *Store) Load(ctx context.Context, userID int64) (string, error) {
	row, err := s.repo.GetValid(ctx, userID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", relayerr.ErrNoSession
	}

	plain, err := s.box.Decrypt(userID, row.SessionData)
	if errors.Is(err, crypto.ErrTampered) {
		s.log.Error("stored session failed authentication, invalidating", "user_id", userID)
		if ierr := s.repo.Invalidate(ctx, userID); ierr != nil {
			s.log.LogError(ctx, ierr, "invalidate tampered session", "user_id", userID)
		}
		return "", relayerr.ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("decrypt session for user %d: %w", userID, err)
	}

	if err := s.repo.Touch(ctx, userID); err != nil {
		s.log.LogError(ctx, err, "touch session", "user_id", userID)
	}
	return string(plain), nil
}

// Invalidate marks the stored session unusable.
func (s *Store) Invalidate(ctx context.Context, userID int64) error {
	return s.repo.Invalidate(ctx, userID)
}

// Verify checks the stored session against the upstream with a throwaway
// client. An auth rejection invalidates the row; transient failures do not.
func (s *Store) Verify(ctx context.Context, userID int64) error {
	session, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}

	client, err := s.probe(userID, session)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	got, err := client.WhoAmI(ctx)
	if errors.Is(err, relayerr.ErrAuthRejected) {
		if ierr := s.repo.Invalidate(ctx, userID); ierr != nil {
			s.log.LogError(ctx, ierr, "invalidate rejected session", "user_id", userID)
		}
		return relayerr.ErrAuthRejected
	}
	if err != nil {
		return err
	}
	if got != userID {
		// Session belongs to a different account than the row claims.
		if ierr := s.repo.Invalidate(ctx, userID); ierr != nil {
			s.log.LogError(ctx, ierr, "invalidate mismatched session", "user_id", userID)
		}
		return relayerr.ErrAuthRejected
	}
	return nil
}
