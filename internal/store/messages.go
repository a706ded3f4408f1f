package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luvvix/dm-core/internal/chat"
)

// MessageStore manages the append-only message log in PostgreSQL. Each insert
// fires the message_inserted notification consumed by the change-feed relay.
type MessageStore struct {
	db            *sql.DB
	conversations *ConversationStore
}

// NewMessageStore creates a message store backed by db.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db, conversations: NewConversationStore(db)}
}

// Insert appends a message on behalf of senderID. The participant check runs
// in the same statement as the insert; id, seq and created_at are assigned by
// the database.
func (s *MessageStore) Insert(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	defer observe("message_insert", time.Now())

	const query = `
		INSERT INTO messages (conversation_id, sender_id, content)
		SELECT c.id, $2, $3
		FROM conversations c
		WHERE c.id = $1 AND $2 IN (c.user_low, c.user_high)
		RETURNING id, seq, created_at`

	msg := chat.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	err := s.db.QueryRowContext(ctx, query, conversationID, senderID, content).
		Scan(&msg.ID, &msg.Seq, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, s.denied(ctx, "insert message", senderID, conversationID)
	}
	if err != nil {
		return chat.Message{}, mapError("insert message", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// ListByConversation returns the full log of a conversation, oldest first,
// after checking that caller is a participant. It never returns nil on
// success.
func (s *MessageStore) ListByConversation(ctx context.Context, caller, conversationID string) ([]chat.Message, error) {
	defer observe("message_list", time.Now())

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(caller) {
		return nil, fmt.Errorf("store: list messages: %w", chat.ErrUnauthorized)
	}

	const query = `
		SELECT id, seq, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, mapError("list messages", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapError("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list messages", err)
	}
	return msgs, nil
}

// Get loads a single message by id. Used by the change-feed relay to expand
// notifications into full rows.
func (s *MessageStore) Get(ctx context.Context, id string) (chat.Message, error) {
	const query = `
		SELECT id, seq, conversation_id, sender_id, content, created_at
		FROM messages
		WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return chat.Message{}, mapError("get message", err)
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, error) {
	var m chat.Message
	if err := row.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// denied explains why a guarded statement affected no rows: the conversation
// is missing, or the caller is not one of its participants.
func (s *MessageStore) denied(ctx context.Context, op, caller, conversationID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(caller) {
		return fmt.Errorf("store: %s: %w", op, chat.ErrUnauthorized)
	}
	return fmt.Errorf("store: %s: no row inserted", op)
}
