package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/metrics"
)

// ConversationStore manages direct conversations in PostgreSQL. Pairs are
// stored canonically (user_low < user_high) under a unique constraint, so the
// database, not the caller, guarantees one conversation per pair.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a conversation store backed by db.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// FindDirect returns the conversation id for a canonical pair, or an error
// wrapping chat.ErrNotFound when none exists.
func (s *ConversationStore) FindDirect(ctx context.Context, low, high string) (string, error) {
	defer observe("conversation_find", time.Now())

	const query = `
		SELECT id
		FROM conversations
		WHERE user_low = $1 AND user_high = $2`

	var id string
	if err := s.db.QueryRowContext(ctx, query, low, high).Scan(&id); err != nil {
		return "", mapError("find conversation", err)
	}
	return id, nil
}

// CreateDirect inserts a conversation for a canonical pair. If another writer
// created it first, it returns an error wrapping ErrConflict and the caller
// should re-read with FindDirect.
func (s *ConversationStore) CreateDirect(ctx context.Context, low, high string) (string, error) {
	defer observe("conversation_create", time.Now())

	const query = `
		INSERT INTO conversations (user_low, user_high)
		VALUES ($1, $2)
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING id`

	var id string
	err := s.db.QueryRowContext(ctx, query, low, high).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConflict
	}
	if err != nil {
		return "", mapError("create conversation", err)
	}
	return id, nil
}

// Get loads a conversation by id.
func (s *ConversationStore) Get(ctx context.Context, id string) (chat.Conversation, error) {
	const query = `
		SELECT id, user_low, user_high, created_at
		FROM conversations
		WHERE id = $1`

	var c chat.Conversation
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.CreatedAt)
	if err != nil {
		return chat.Conversation{}, mapError("get conversation", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
