package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luvvix/dm-core/internal/chat"
)

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string][]*fakeSub
	err  error
}

type fakeSub struct {
	feed           *fakeFeed
	conversationID string
	handler        func([]byte)
	closed         bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string][]*fakeSub)}
}

func (f *fakeFeed) SubscribeConversation(conversationID string, handler func([]byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{feed: f, conversationID: conversationID, handler: handler}
	f.subs[conversationID] = append(f.subs[conversationID], s)
	return s, nil
}

func (s *fakeSub) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.closed = true
	list := s.feed.subs[s.conversationID]
	for i, other := range list {
		if other == s {
			s.feed.subs[s.conversationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeFeed) publish(conversationID string, data []byte) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[conversationID]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.handler(data)
	}
}

func (f *fakeFeed) count(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

func payload(t *testing.T, id, conversationID string) []byte {
	t.Helper()
	data, err := chat.EncodeMessageEvent(chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		Content:        "hello " + id,
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	return data
}

type collector struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (c *collector) add(m chat.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.ID
	}
	return out
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)
	var got collector

	require.NoError(t, m.Subscribe("c1", got.add))
	require.True(t, m.Active())
	require.Equal(t, "c1", m.ConversationID())

	feed.publish("c1", payload(t, "m1", "c1"))
	feed.publish("c1", payload(t, "m2", "c1"))

	require.Equal(t, []string{"m1", "m2"}, got.ids())
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)
	var first, second collector

	require.NoError(t, m.Subscribe("c1", first.add))
	require.NoError(t, m.Subscribe("c2", second.add))

	require.Zero(t, feed.count("c1"))
	require.Equal(t, 1, feed.count("c2"))

	feed.publish("c1", payload(t, "m1", "c1"))
	feed.publish("c2", payload(t, "m2", "c2"))

	require.Empty(t, first.ids())
	require.Equal(t, []string{"m2"}, second.ids())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)
	var got collector

	require.NoError(t, m.Subscribe("c1", got.add))
	var held *fakeSub
	feed.mu.Lock()
	held = feed.subs["c1"][0]
	feed.mu.Unlock()

	require.NoError(t, m.Unsubscribe())
	require.False(t, m.Active())
	require.Empty(t, m.ConversationID())

	// A late delivery racing the teardown is dropped.
	held.handler(payload(t, "late", "c1"))
	require.Empty(t, got.ids())

	require.NoError(t, m.Unsubscribe())
}

func TestDropsForeignAndMalformedPayloads(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)
	var got collector
	require.NoError(t, m.Subscribe("c1", got.add))

	feed.publish("c1", []byte(`{"nope":`))
	feed.publish("c1", []byte(`{"id":"x"}`))
	feed.publish("c1", payload(t, "m9", "c2"))
	feed.publish("c1", payload(t, "m1", "c1"))

	require.Equal(t, []string{"m1"}, got.ids())
}

func TestSuppressesDuplicateDeliveries(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)
	var got collector
	require.NoError(t, m.Subscribe("c1", got.add))

	feed.publish("c1", payload(t, "m1", "c1"))
	feed.publish("c1", payload(t, "m1", "c1"))
	feed.publish("c1", payload(t, "m2", "c1"))

	require.Equal(t, []string{"m1", "m2"}, got.ids())
}

func TestSubscribeErrors(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed)

	err := m.Subscribe(" ", func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrNotFound)

	feed.err = errors.New("nats: connection closed")
	err = m.Subscribe("c1", func(chat.Message) {})
	require.ErrorIs(t, err, chat.ErrStorageUnavailable)
	require.False(t, m.Active())
	require.Empty(t, m.ConversationID())
}

func TestIndependentManagers(t *testing.T) {
	feed := newFakeFeed()
	a, b := NewManager(feed), NewManager(feed)
	var gotA, gotB collector

	require.NoError(t, a.Subscribe("c1", gotA.add))
	require.NoError(t, b.Subscribe("c1", gotB.add))
	require.NoError(t, a.Unsubscribe())

	feed.publish("c1", payload(t, "m1", "c1"))

	require.Empty(t, gotA.ids())
	require.Equal(t, []string{"m1"}, gotB.ids())
}

func TestRecentIDsEvictsOldest(t *testing.T) {
	r := newRecentIDs(3)
	for i := 0; i < 3; i++ {
		require.True(t, r.Add(fmt.Sprintf("m%d", i)))
	}
	require.False(t, r.Add("m0"))
	require.Equal(t, 3, r.Len())

	require.True(t, r.Add("m3"))
	require.Equal(t, 3, r.Len())
	require.True(t, r.Add("m0"), "m0 should have been evicted")
	require.False(t, r.Add("m3"))
}
