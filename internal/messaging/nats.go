// Package messaging wraps the NATS connection shared by the gateway and the
// change-feed relay. Conversation inserts travel on chat.<conversation_id>.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectChat is the subject prefix for conversation inserts.
const SubjectChat = "chat" // + .<conversation_id>

// ConversationSubject returns the subject carrying inserts for conversationID.
func ConversationSubject(conversationID string) string {
	return SubjectChat + "." + conversationID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "dm-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats: connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("nats: async error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("name", config.Name).Msg("nats: connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// Connected reports whether the underlying connection is currently usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// PublishConversationEvent publishes an insert payload on
// chat.<conversationID>.
func (c *NATSClient) PublishConversationEvent(conversationID string, data []byte) error {
	return c.Publish(ConversationSubject(conversationID), data)
}

// SubscribeConversation subscribes to chat.<conversationID>. Every caller gets
// its own subscription, so several connections on one server may watch the
// same conversation. The returned subscription is owned by the caller; Close
// drains any that are still open.
func (c *NATSClient) SubscribeConversation(conversationID string, handler func(data []byte)) (*nats.Subscription, error) {
	subject := ConversationSubject(conversationID)

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	for s := range c.subs {
		if !s.IsValid() {
			delete(c.subs, s)
		}
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return sub, nil
}

// Flush round-trips to the server so previously published data is processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs {
		if !sub.IsValid() {
			continue
		}
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("nats: drain subscription")
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})

	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats: connection drain")
	}

	log.Info().Msg("nats: client closed")
}
