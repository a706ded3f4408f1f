// Package directory resolves the direct conversation between two users,
// creating it on first contact. Uniqueness of the pair is enforced by the
// store; the directory only canonicalizes, caches and retries the read after
// losing a creation race.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/metrics"
	"github.com/luvvix/dm-core/internal/store"
)

// Repository is the storage contract of the directory. CreateDirect must
// fail with store.ErrConflict when the pair already exists.
type Repository interface {
	FindDirect(ctx context.Context, low, high string) (string, error)
	CreateDirect(ctx context.Context, low, high string) (string, error)
}

// PairCache remembers conversation ids the store already returned.
type PairCache interface {
	Get(ctx context.Context, low, high string) (string, bool)
	Set(ctx context.Context, low, high, conversationID string)
}

// Directory implements get-or-create over a Repository.
type Directory struct {
	repo  Repository
	cache PairCache // optional
}

// New creates a Directory. cache may be nil.
func New(repo Repository, cache PairCache) *Directory {
	return &Directory{repo: repo, cache: cache}
}

// GetOrCreateDirectConversation returns the id of the direct conversation
// between currentUser and targetUser, creating it if needed. Calls for the
// same unordered pair always return the same id, including concurrent calls
// from both ends.
func (d *Directory) GetOrCreateDirectConversation(ctx context.Context, currentUser, targetUser string) (string, error) {
	low, high, err := chat.Pair(currentUser, targetUser)
	if err != nil {
		return "", fmt.Errorf("directory: %w", err)
	}

	if d.cache != nil {
		if id, ok := d.cache.Get(ctx, low, high); ok {
			return id, nil
		}
	}

	id, err := d.repo.FindDirect(ctx, low, high)
	switch {
	case err == nil:
		metrics.ConversationsTotal.WithLabelValues("resolved").Inc()
	case errors.Is(err, chat.ErrNotFound):
		id, err = d.create(ctx, low, high)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("directory: find: %w", err)
	}

	if d.cache != nil {
		d.cache.Set(ctx, low, high, id)
	}
	return id, nil
}

// create inserts optimistically; a conflict means another caller won the
// race, so the existing row is read back instead of failing.
func (d *Directory) create(ctx context.Context, low, high string) (string, error) {
	id, err := d.repo.CreateDirect(ctx, low, high)
	if err == nil {
		metrics.ConversationsTotal.WithLabelValues("created").Inc()
		log.Info().Str("conversation", id).Str("user_low", low).Str("user_high", high).Msg("directory: conversation created")
		return id, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return "", fmt.Errorf("directory: create: %w", err)
	}

	id, err = d.repo.FindDirect(ctx, low, high)
	if err != nil {
		return "", fmt.Errorf("directory: re-read after conflict: %w", err)
	}
	metrics.ConversationsTotal.WithLabelValues("resolved").Inc()
	return id, nil
}
