package chatview

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/realtime"
)

// memStore is an in-memory conversation store whose inserts are published to
// a memFeed, standing in for Postgres plus the change-feed relay.
type memStore struct {
	mu            sync.Mutex
	feed          *memFeed
	conversations map[string]chat.Conversation
	pairs         map[[2]string]string
	messages      map[string][]chat.Message
	seq           int64
	clock         time.Time
	inserts       int

	// afterList runs after a snapshot is taken and before it is returned.
	afterList func(conversationID string)
	listErrs  []error
}

func newMemStore(feed *memFeed) *memStore {
	return &memStore{
		feed:          feed,
		conversations: make(map[string]chat.Conversation),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string][]chat.Message),
		clock:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) FindDirect(_ context.Context, low, high string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[[2]string{low, high}]
	if !ok {
		return "", chat.ErrNotFound
	}
	return id, nil
}

func (s *memStore) CreateDirect(_ context.Context, low, high string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("c%d", len(s.conversations)+1)
	s.pairs[[2]string{low, high}] = id
	s.conversations[id] = chat.Conversation{ID: id, Participants: [2]string{low, high}, CreatedAt: s.clock}
	return id, nil
}

func (s *memStore) Insert(_ context.Context, conversationID, senderID, content string) (chat.Message, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNotFound
	}
	if !conv.HasParticipant(senderID) {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrUnauthorized
	}
	s.seq++
	s.inserts++
	msg := chat.Message{
		ID:             fmt.Sprintf("m%d", s.seq),
		Seq:            s.seq,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.clock.Add(time.Duration(s.seq) * time.Second),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.mu.Unlock()

	data, err := chat.EncodeMessageEvent(msg)
	if err != nil {
		return chat.Message{}, err
	}
	s.feed.publish(conversationID, data)
	return msg, nil
}

func (s *memStore) ListByConversation(_ context.Context, caller, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, chat.ErrNotFound
	}
	if !conv.HasParticipant(caller) {
		s.mu.Unlock()
		return nil, chat.ErrUnauthorized
	}
	out := append([]chat.Message{}, s.messages[conversationID]...)
	hook := s.afterList
	s.mu.Unlock()

	if hook != nil {
		hook(conversationID)
	}
	return out, nil
}

// drop removes a message from storage without any feed event.
func (s *memStore) drop(conversationID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == id {
			s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (s *memStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

type memFeed struct {
	mu   sync.Mutex
	next int
	subs map[int]memSub
}

type memSub struct {
	conversationID string
	handler        func([]byte)
}

type memSubscription struct {
	feed *memFeed
	id   int
}

func newMemFeed() *memFeed {
	return &memFeed{subs: make(map[int]memSub)}
}

func (f *memFeed) SubscribeConversation(conversationID string, handler func([]byte)) (realtime.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.subs[f.next] = memSub{conversationID: conversationID, handler: handler}
	return &memSubscription{feed: f, id: f.next}, nil
}

func (s *memSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s.id)
	return nil
}

func (f *memFeed) publish(conversationID string, data []byte) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id, sub := range f.subs {
		if sub.conversationID == conversationID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	handlers := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.subs[id].handler)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (f *memFeed) active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for _, sub := range f.subs {
		out = append(out, sub.conversationID)
	}
	sort.Strings(out)
	return out
}
