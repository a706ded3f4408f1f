package realtime

import (
	"github.com/luvvix/dm-core/internal/messaging"
)

// NATSFeed reads conversation inserts published by the change-feed relay on
// chat.<conversation_id>.
type NATSFeed struct {
	client *messaging.NATSClient
}

// NewNATSFeed creates a Feed over an established NATS client.
func NewNATSFeed(client *messaging.NATSClient) *NATSFeed {
	return &NATSFeed{client: client}
}

// SubscribeConversation implements Feed. NATS invokes the handler of a single
// subscription from one goroutine, preserving publish order.
func (f *NATSFeed) SubscribeConversation(conversationID string, handler func(data []byte)) (Subscription, error) {
	sub, err := f.client.SubscribeConversation(conversationID, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
