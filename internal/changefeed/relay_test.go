package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/luvvix/dm-core/internal/chat"
)

const (
	msgID  = "7b0a6c52-3f1e-4a8e-9d3c-0e6f1b2a9c11"
	convID = "1d2c3b4a-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
)

type fakeLoader struct {
	mu    sync.Mutex
	msgs  map[string]chat.Message
	fails []error
	calls int
}

func (f *fakeLoader) Get(_ context.Context, id string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return chat.Message{}, err
	}
	m, ok := f.msgs[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return m, nil
}

type published struct {
	conversationID string
	data           []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) PublishConversationEvent(conversationID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{conversationID, data})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeListener struct {
	ch chan *pq.Notification
}

func (f *fakeListener) NotificationChannel() <-chan *pq.Notification { return f.ch }
func (f *fakeListener) Ping() error                                  { return nil }

func storedMessage() chat.Message {
	return chat.Message{
		ID:             msgID,
		Seq:            1,
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "hello",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newTestRelay(l Listener, loader *fakeLoader, pub *fakePublisher) *Relay {
	r := New(l, loader, pub, 0)
	r.retry.BaseDelay = time.Millisecond
	r.retry.MaxDelay = time.Millisecond
	r.retry.Jitter = false
	return r
}

func notification(id, conversationID string) string {
	return fmt.Sprintf(`{"id":%q,"conversation_id":%q}`, id, conversationID)
}

func TestHandle_PublishesFullRow(t *testing.T) {
	loader := &fakeLoader{msgs: map[string]chat.Message{msgID: storedMessage()}}
	pub := &fakePublisher{}
	r := newTestRelay(nil, loader, pub)

	require.NoError(t, r.Handle(context.Background(), notification(msgID, convID)))
	require.Len(t, pub.sent, 1)
	require.Equal(t, convID, pub.sent[0].conversationID)

	got, err := chat.DecodeMessageEvent(pub.sent[0].data)
	require.NoError(t, err)
	require.Equal(t, storedMessage(), got)
}

func TestHandle_RejectsMalformedNotifications(t *testing.T) {
	loader := &fakeLoader{}
	pub := &fakePublisher{}
	r := newTestRelay(nil, loader, pub)

	for _, payload := range []string{
		"",
		"not json",
		notification("", convID),
		notification(msgID, "nope"),
	} {
		require.Error(t, r.Handle(context.Background(), payload), payload)
	}
	require.Zero(t, loader.calls)
	require.Zero(t, pub.count())
}

func TestHandle_RetriesTransientLoads(t *testing.T) {
	loader := &fakeLoader{
		msgs:  map[string]chat.Message{msgID: storedMessage()},
		fails: []error{fmt.Errorf("store: get message: %w", chat.ErrStorageUnavailable)},
	}
	pub := &fakePublisher{}
	r := newTestRelay(nil, loader, pub)

	require.NoError(t, r.Handle(context.Background(), notification(msgID, convID)))
	require.Equal(t, 2, loader.calls)
	require.Equal(t, 1, pub.count())
}

func TestHandle_MissingRowIsNotRetried(t *testing.T) {
	loader := &fakeLoader{msgs: map[string]chat.Message{}}
	pub := &fakePublisher{}
	r := newTestRelay(nil, loader, pub)

	err := r.Handle(context.Background(), notification(msgID, convID))
	require.ErrorIs(t, err, chat.ErrNotFound)
	require.Equal(t, 1, loader.calls)
	require.Zero(t, pub.count())
}

func TestHandle_ConversationMismatch(t *testing.T) {
	loader := &fakeLoader{msgs: map[string]chat.Message{msgID: storedMessage()}}
	pub := &fakePublisher{}
	r := newTestRelay(nil, loader, pub)

	other := "9f8e7d6c-5b4a-4f3e-8d2c-1b0a9f8e7d6c"
	require.Error(t, r.Handle(context.Background(), notification(msgID, other)))
	require.Zero(t, pub.count())
}

func TestHandle_PublishError(t *testing.T) {
	loader := &fakeLoader{msgs: map[string]chat.Message{msgID: storedMessage()}}
	pub := &fakePublisher{err: errors.New("nats down")}
	r := newTestRelay(nil, loader, pub)

	require.Error(t, r.Handle(context.Background(), notification(msgID, convID)))
}

func TestRun_RelaysUntilCancelled(t *testing.T) {
	loader := &fakeLoader{msgs: map[string]chat.Message{msgID: storedMessage()}}
	pub := &fakePublisher{}
	l := &fakeListener{ch: make(chan *pq.Notification, 4)}
	r := newTestRelay(l, loader, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	l.ch <- nil // reconnect marker
	l.ch <- &pq.Notification{Channel: "message_inserted", Extra: "garbage"}
	l.ch <- &pq.Notification{Channel: "message_inserted", Extra: notification(msgID, convID)}

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRun_ListenerClosed(t *testing.T) {
	l := &fakeListener{ch: make(chan *pq.Notification)}
	close(l.ch)
	r := newTestRelay(l, &fakeLoader{}, &fakePublisher{})

	require.ErrorIs(t, r.Run(context.Background()), ErrListenerClosed)
}
