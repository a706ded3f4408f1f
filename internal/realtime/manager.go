// Package realtime scopes a change-feed subscription to one conversation and
// turns raw feed payloads into ordered, deduplicated message callbacks.
package realtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/metrics"
)

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe() error
}

// Feed delivers insert payloads for a single conversation. Handlers for one
// subscription must be invoked sequentially, in feed order.
type Feed interface {
	SubscribeConversation(conversationID string, handler func(data []byte)) (Subscription, error)
}

// Manager owns at most one active subscription. It is not shared between
// chat views; every view creates its own.
type Manager struct {
	feed Feed

	opMu sync.Mutex // serializes Subscribe and Unsubscribe

	// dispatchMu guards the fields below and is held for the whole of each
	// delivery, so teardown waits for an in-flight callback and no callback
	// for an old subscription starts after Unsubscribe returns.
	dispatchMu     sync.Mutex
	sub            Subscription
	conversationID string
	gen            uint64
	recent         *recentIDs
}

// NewManager creates a Manager over feed.
func NewManager(feed Feed) *Manager {
	return &Manager{feed: feed}
}

// Subscribe opens a subscription for conversationID, tearing down any
// previous one first. onInsert is called once per newly inserted message of
// that conversation, in feed order. onInsert must not call back into the
// Manager.
func (m *Manager) Subscribe(conversationID string, onInsert func(chat.Message)) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("realtime: subscribe: %w", chat.ErrNotFound)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.teardown(); err != nil {
		log.Warn().Err(err).Msg("realtime: teardown before subscribe")
	}

	m.dispatchMu.Lock()
	m.gen++
	gen := m.gen
	m.conversationID = conversationID
	m.recent = newRecentIDs(RecentIDsSize)
	m.dispatchMu.Unlock()

	sub, err := m.feed.SubscribeConversation(conversationID, func(data []byte) {
		m.deliver(gen, conversationID, data, onInsert)
	})
	if err != nil {
		m.dispatchMu.Lock()
		m.gen++
		m.conversationID = ""
		m.dispatchMu.Unlock()
		return fmt.Errorf("realtime: subscribe %s: %w: %w", conversationID, chat.ErrStorageUnavailable, err)
	}

	m.dispatchMu.Lock()
	m.sub = sub
	m.dispatchMu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	log.Debug().Str("conversation", conversationID).Msg("realtime: subscribed")
	return nil
}

// Unsubscribe tears down the active subscription. It is a no-op when nothing
// is active. Once it returns, the previous onInsert is never called again.
func (m *Manager) Unsubscribe() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.teardown()
}

// ConversationID returns the conversation of the active subscription, or "".
func (m *Manager) ConversationID() string {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	return m.conversationID
}

// Active reports whether a subscription is open.
func (m *Manager) Active() bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	return m.sub != nil
}

func (m *Manager) teardown() error {
	m.dispatchMu.Lock()
	sub, conversationID := m.sub, m.conversationID
	m.sub = nil
	m.conversationID = ""
	m.gen++
	m.dispatchMu.Unlock()

	if sub == nil {
		return nil
	}
	metrics.ActiveSubscriptions.Dec()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("realtime: unsubscribe %s: %w", conversationID, err)
	}
	log.Debug().Str("conversation", conversationID).Msg("realtime: unsubscribed")
	return nil
}

func (m *Manager) deliver(gen uint64, conversationID string, data []byte, onInsert func(chat.Message)) {
	msg, err := chat.DecodeMessageEvent(data)
	if err != nil {
		metrics.FeedEvents.WithLabelValues("malformed").Inc()
		log.Warn().Err(err).Str("conversation", conversationID).Msg("realtime: dropping payload")
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	switch {
	case m.gen != gen:
		metrics.FeedEvents.WithLabelValues("stale").Inc()
		return
	case msg.ConversationID != conversationID:
		metrics.FeedEvents.WithLabelValues("foreign").Inc()
		log.Warn().Str("conversation", conversationID).Str("payload_conversation", msg.ConversationID).Msg("realtime: dropping foreign payload")
		return
	case !m.recent.Add(msg.ID):
		metrics.FeedEvents.WithLabelValues("duplicate").Inc()
		return
	}

	metrics.FeedEvents.WithLabelValues("delivered").Inc()
	onInsert(msg)
}
