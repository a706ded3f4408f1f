package ws

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/chatview"
	"github.com/luvvix/dm-core/internal/protocol"
	"github.com/luvvix/dm-core/internal/ratelimit"
	"github.com/luvvix/dm-core/internal/realtime"
	"github.com/luvvix/dm-core/internal/retry"
	"github.com/luvvix/dm-core/internal/session"
)

// tailSize bounds the ids remembered from the last snapshot sent to a client,
// used to skip feed events the snapshot already contained.
const tailSize = 64

// SessionRecorder persists a connection's chat status.
type SessionRecorder interface {
	SetStatus(ctx context.Context, sessionID, status, conversationID string) error
}

// Throttle is the rate limiter surface the chat handlers use.
type Throttle interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// ChatConfig wires the chat handlers.
type ChatConfig struct {
	Directory chatview.Directory
	Messages  chatview.Messages
	Feed      realtime.Feed
	Sessions  SessionRecorder // optional
	Throttle  Throttle        // optional
	Retry     *retry.Config   // optional, overrides the default read backoff
}

// Chat binds one chat view to every connection and serves the chat protocol.
type Chat struct {
	cfg ChatConfig
}

// NewChat creates the chat handlers.
func NewChat(cfg ChatConfig) *Chat {
	return &Chat{cfg: cfg}
}

// Register installs the chat message handlers on d.
func (h *Chat) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeStartChat, h.handleStartChat)
	d.Register(protocol.TypeSend, h.handleSend)
	d.Register(protocol.TypeRefetch, h.handleRefetch)
	d.Register(protocol.TypeEndChat, h.handleEndChat)
}

// Attach creates the connection's chat view. It must run before any frame of
// c is dispatched.
func (h *Chat) Attach(c *Connection) {
	opts := []chatview.Option{chatview.WithHooks(chatview.Hooks{
		OnMessage: func(m chat.Message) { h.deliver(c, m) },
		OnStatus: func(status chatview.Status, conversationID string) {
			h.recordStatus(c, status, conversationID)
		},
	})}
	if h.cfg.Retry != nil {
		opts = append(opts, chatview.WithRetry(*h.cfg.Retry))
	}
	c.View = chatview.New(c.UserID, h.cfg.Directory, h.cfg.Messages, realtime.NewManager(h.cfg.Feed), opts...)
}

// Detach closes the connection's chat view and its subscription.
func (h *Chat) Detach(c *Connection) {
	if c.View == nil {
		return
	}
	if err := c.View.Close(); err != nil {
		log.Warn().Err(err).Str("session", c.ID).Msg("ws: close chat view")
	}
}

func (h *Chat) handleStartChat(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.StartChatMsg)
	if !ok {
		return
	}
	target := strings.TrimSpace(m.TargetUser)

	if h.cfg.Throttle != nil {
		if allowed, _ := h.cfg.Throttle.Allow(c.ctx, c.UserID, ratelimit.RuleStartChat); !allowed {
			h.sendRateLimited(c, ratelimit.RuleStartChat)
			return
		}
	}

	c.streamMu.Lock()
	c.streaming = false
	c.sentTail = nil
	c.startSeq++
	seq := c.startSeq
	send(c, protocol.TypeChatLoading, protocol.ChatLoadingMsg{TargetUser: target})
	c.streamMu.Unlock()

	// StartChat blocks on storage; run it off the read worker so a newer
	// start_chat or end_chat from the same client can supersede it.
	go func() {
		conversationID, err := c.View.StartChat(c.ctx, target)
		if errors.Is(err, chatview.ErrSuperseded) || errors.Is(err, chatview.ErrClosed) {
			return
		}

		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if c.startSeq != seq {
			return
		}
		if err != nil {
			sendKindError(c, err)
			return
		}

		snap := c.View.Snapshot()
		if snap.Status != chatview.Ready || snap.ConversationID != conversationID {
			return
		}
		c.sentTail = tailIDs(snap.Messages)
		c.streaming = true
		send(c, protocol.TypeChatReady, protocol.ChatReadyMsg{
			ConversationID: conversationID,
			Messages:       snap.Messages,
		})
	}()
}

func (h *Chat) handleSend(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}

	stored, err := c.View.Send(c.ctx, m.Text)
	switch {
	case errors.Is(err, chatview.ErrNotReady):
		sendError(c, protocol.CodeNotReady, "no conversation is open")
	case errors.Is(err, chat.ErrRateLimited):
		h.sendRateLimited(c, ratelimit.RuleMessage)
	case err != nil:
		sendKindError(c, err)
	case stored.ID == "":
		// Blank input; nothing was stored.
	default:
		send(c, protocol.TypeMessageAccepted, protocol.MessageAcceptedMsg{Message: stored})
	}
}

func (h *Chat) handleRefetch(c *Connection, _ interface{}) {
	conversationID := c.View.ConversationID()
	if conversationID == "" {
		sendError(c, protocol.CodeNotReady, "no conversation is open")
		return
	}

	go func() {
		msgs, err := c.View.Refetch(c.ctx)
		switch {
		case errors.Is(err, chatview.ErrSuperseded):
			return
		case errors.Is(err, chatview.ErrNotReady):
			sendError(c, protocol.CodeNotReady, "no conversation is open")
			return
		case err != nil:
			sendKindError(c, err)
			return
		}

		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if !c.streaming || c.View.ConversationID() != conversationID {
			return
		}
		c.sentTail = tailIDs(msgs)
		send(c, protocol.TypeHistory, protocol.HistoryMsg{
			ConversationID: conversationID,
			Messages:       msgs,
		})
	}()
}

func (h *Chat) handleEndChat(c *Connection, _ interface{}) {
	c.streamMu.Lock()
	c.streaming = false
	c.sentTail = nil
	c.startSeq++
	c.streamMu.Unlock()

	if err := c.View.Reset(); err != nil {
		log.Warn().Err(err).Str("session", c.ID).Msg("ws: reset chat view")
	}
	send(c, protocol.TypeChatEnded, protocol.ChatEndedMsg{})
}

// deliver forwards a realtime insert once the client has the snapshot it
// belongs after.
func (h *Chat) deliver(c *Connection, m chat.Message) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if !c.streaming {
		return
	}
	if _, seen := c.sentTail[m.ID]; seen {
		return
	}
	send(c, protocol.TypeMessage, protocol.ServerChatMsg{Message: m})
}

func (h *Chat) recordStatus(c *Connection, status chatview.Status, conversationID string) {
	if h.cfg.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.cfg.Sessions.SetStatus(ctx, c.ID, session.StatusOf(status), conversationID); err != nil {
		log.Warn().Err(err).Str("session", c.ID).Msg("ws: record session status")
	}
}

func (h *Chat) sendRateLimited(c *Connection, rule ratelimit.Rule) {
	retryAfter := rule.Window
	if h.cfg.Throttle != nil {
		if d := h.cfg.Throttle.RetryAfter(c.ctx, c.UserID, rule); d > 0 {
			retryAfter = d
		}
	}
	send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retryAfter.Seconds())),
	})
}

// sendKindError reports err to the client by taxonomy kind with a fixed
// description, never the internal error text.
func sendKindError(c *Connection, err error) {
	kind := chat.KindOf(err)
	if kind == chat.KindUnknown {
		log.Error().Err(err).Str("session", c.ID).Msg("ws: unexpected chat error")
		kind = protocol.CodeInternal
	}
	sendError(c, kind, describe(kind))
}

func describe(kind string) string {
	switch kind {
	case chat.KindInvalidParticipants:
		return "cannot open a conversation with that user"
	case chat.KindInvalidContent:
		return "message is empty or too long"
	case chat.KindUnauthorized:
		return "not a participant of this conversation"
	case chat.KindNotFound:
		return "conversation not found"
	case chat.KindStorageUnavailable:
		return "storage is temporarily unavailable, try again"
	case chat.KindRateLimited:
		return "too many requests"
	default:
		return "internal error"
	}
}

func tailIDs(msgs []chat.Message) map[string]struct{} {
	start := max(len(msgs)-tailSize, 0)
	ids := make(map[string]struct{}, len(msgs)-start)
	for _, m := range msgs[start:] {
		ids[m.ID] = struct{}{}
	}
	return ids
}
