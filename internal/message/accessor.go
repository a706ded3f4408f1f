// Package message appends to and reads from conversation logs. Sending never
// updates local state: senders learn about their own messages through the
// realtime feed like every other participant.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/metrics"
	"github.com/luvvix/dm-core/internal/ratelimit"
)

// Repository is the storage contract of the accessor. Both operations must
// enforce that the acting user participates in the conversation.
type Repository interface {
	Insert(ctx context.Context, conversationID, senderID, content string) (chat.Message, error)
	ListByConversation(ctx context.Context, caller, conversationID string) ([]chat.Message, error)
}

// Limiter throttles sends per sender.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Accessor validates and forwards message operations to the store.
type Accessor struct {
	repo    Repository
	limiter Limiter // optional
}

// NewAccessor creates an Accessor. limiter may be nil.
func NewAccessor(repo Repository, limiter Limiter) *Accessor {
	return &Accessor{repo: repo, limiter: limiter}
}

// FetchMessages returns every message of the conversation, oldest first. The
// result is a fresh read of current state and is empty, not nil, when the
// conversation has no messages.
func (a *Accessor) FetchMessages(ctx context.Context, caller, conversationID string) ([]chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("message: fetch: %w", chat.ErrNotFound)
	}
	if caller == "" {
		return nil, fmt.Errorf("message: fetch: %w", chat.ErrUnauthorized)
	}

	msgs, err := a.repo.ListByConversation(ctx, caller, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message: fetch: %w", err)
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	chat.SortMessages(msgs)
	return msgs, nil
}

// SendMessage persists content from senderID and returns the stored message
// with its store-assigned id and timestamp. Empty or whitespace-only content
// fails with chat.ErrInvalidContent before any storage call. SendMessage is
// not idempotent and must not be retried blindly.
func (a *Accessor) SendMessage(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	text, err := chat.ValidateContent(content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, fmt.Errorf("message: send: %w", err)
	}
	if strings.TrimSpace(conversationID) == "" {
		return chat.Message{}, fmt.Errorf("message: send: %w", chat.ErrNotFound)
	}
	if senderID == "" {
		return chat.Message{}, fmt.Errorf("message: send: %w", chat.ErrUnauthorized)
	}

	if a.limiter != nil {
		allowed, _ := a.limiter.Allow(ctx, senderID, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return chat.Message{}, fmt.Errorf("message: send: %w", chat.ErrRateLimited)
		}
	}

	msg, err := a.repo.Insert(ctx, conversationID, senderID, text)
	if err != nil {
		if !errors.Is(err, chat.ErrUnauthorized) && !errors.Is(err, chat.ErrNotFound) {
			log.Error().Err(err).Str("conversation", conversationID).Str("sender", senderID).Msg("message: insert failed")
		}
		return chat.Message{}, fmt.Errorf("message: send: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}
