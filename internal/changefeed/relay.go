// Package changefeed relays committed message inserts from PostgreSQL
// LISTEN/NOTIFY to NATS. Notifications are handled one at a time, so events
// for a conversation are published in commit order.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/metrics"
	"github.com/luvvix/dm-core/internal/retry"
	"github.com/luvvix/dm-core/internal/store"
)

// ErrListenerClosed is returned by Run when the notification channel closes.
var ErrListenerClosed = errors.New("changefeed: listener closed")

// Notification is the payload of the message_inserted trigger.
type Notification struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// Listener is the part of *pq.Listener the relay uses.
type Listener interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
}

// MessageLoader loads a stored message by id.
type MessageLoader interface {
	Get(ctx context.Context, id string) (chat.Message, error)
}

// Publisher fans a message event out to a conversation's subscribers.
type Publisher interface {
	PublishConversationEvent(conversationID string, data []byte) error
}

// Relay forwards store notifications to the message bus.
type Relay struct {
	listener     Listener
	messages     MessageLoader
	publisher    Publisher
	pingInterval time.Duration
	retry        retry.Config
}

// New creates a Relay.
func New(listener Listener, messages MessageLoader, publisher Publisher, pingInterval time.Duration) *Relay {
	cfg := retry.DefaultConfig()
	cfg.Retryable = chat.IsTransient
	return &Relay{
		listener:     listener,
		messages:     messages,
		publisher:    publisher,
		pingInterval: pingInterval,
		retry:        cfg,
	}
}

// NewListener opens a pq.Listener on the message notification channel.
// Connection state changes are logged; the listener reconnects on its own.
func NewListener(dsn string, minReconnect, maxReconnect time.Duration) (*pq.Listener, error) {
	l := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info().Str("channel", store.NotifyChannel).Msg("changefeed: listener connected")
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("changefeed: listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("changefeed: listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn().Err(err).Msg("changefeed: listener connection attempt failed")
		}
	})
	if err := l.Listen(store.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("changefeed: listen %s: %w", store.NotifyChannel, err)
	}
	return l, nil
}

// Run relays notifications until ctx is cancelled or the listener closes.
func (r *Relay) Run(ctx context.Context) error {
	var ping <-chan time.Time
	if r.pingInterval > 0 {
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	notifications := r.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				return ErrListenerClosed
			}
			if n == nil {
				// The connection was re-established; notifications sent
				// while it was down are lost.
				metrics.RelayEvents.WithLabelValues("reconnect").Inc()
				log.Warn().Msg("changefeed: listener reconnected, notifications may have been missed")
				continue
			}
			if err := r.Handle(ctx, n.Extra); err != nil {
				log.Error().Err(err).Str("payload", n.Extra).Msg("changefeed: relay failed")
			}

		case <-ping:
			if err := r.listener.Ping(); err != nil {
				log.Warn().Err(err).Msg("changefeed: listener ping failed")
			}
		}
	}
}

// Handle relays one notification payload: it loads the full row and publishes
// it on the conversation's subject.
func (r *Relay) Handle(ctx context.Context, payload string) error {
	n, err := decodeNotification(payload)
	if err != nil {
		metrics.RelayEvents.WithLabelValues("malformed").Inc()
		return err
	}

	var msg chat.Message
	_, err = retry.Do(ctx, "changefeed.load", r.retry, func(ctx context.Context) error {
		var err error
		msg, err = r.messages.Get(ctx, n.ID)
		return err
	})
	if err != nil {
		metrics.RelayEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("changefeed: load message %s: %w", n.ID, err)
	}
	if msg.ConversationID != n.ConversationID {
		metrics.RelayEvents.WithLabelValues("malformed").Inc()
		return fmt.Errorf("changefeed: message %s belongs to %s, not %s", n.ID, msg.ConversationID, n.ConversationID)
	}

	data, err := chat.EncodeMessageEvent(msg)
	if err != nil {
		metrics.RelayEvents.WithLabelValues("failed").Inc()
		return err
	}
	if err := r.publisher.PublishConversationEvent(msg.ConversationID, data); err != nil {
		metrics.RelayEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("changefeed: publish %s: %w", n.ID, err)
	}

	metrics.RelayEvents.WithLabelValues("published").Inc()
	log.Debug().Str("message", msg.ID).Str("conversation", msg.ConversationID).Msg("changefeed: relayed")
	return nil
}

func decodeNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("changefeed: decode notification: %w", err)
	}
	if _, err := uuid.Parse(n.ID); err != nil {
		return Notification{}, fmt.Errorf("changefeed: notification id %q: %w", n.ID, err)
	}
	if _, err := uuid.Parse(n.ConversationID); err != nil {
		return Notification{}, fmt.Errorf("changefeed: notification conversation_id %q: %w", n.ConversationID, err)
	}
	return n, nil
}
