// Package chatview holds the per-consumer state of one open direct chat: the
// selected conversation, its ordered message list, and the subscription that
// keeps the list current.
//
// A State moves Idle -> Loading -> Ready on StartChat and back to Idle on
// failure, Reset or Close. The message list only ever grows through the
// realtime feed or a full refetch; Send never appends locally.
package chatview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/chat"
	"github.com/luvvix/dm-core/internal/retry"
)

// Status is the lifecycle state of a chat view.
type Status int

const (
	Idle Status = iota
	Loading
	Ready
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady is returned by Send and Refetch outside the Ready state.
	ErrNotReady = errors.New("chatview: no conversation is ready")
	// ErrSuperseded is returned by an operation whose results were discarded
	// because a newer StartChat, Reset or Close took over.
	ErrSuperseded = errors.New("chatview: superseded")
	// ErrClosed is returned by StartChat after Close.
	ErrClosed = errors.New("chatview: closed")
)

// Directory resolves the direct conversation between two users.
type Directory interface {
	GetOrCreateDirectConversation(ctx context.Context, currentUser, targetUser string) (string, error)
}

// Messages reads and appends conversation logs.
type Messages interface {
	FetchMessages(ctx context.Context, caller, conversationID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (chat.Message, error)
}

// Realtime scopes a single change-feed subscription.
type Realtime interface {
	Subscribe(conversationID string, onInsert func(chat.Message)) error
	Unsubscribe() error
}

// Hooks observe a State. They run outside the state lock but must not call
// back into the same State synchronously.
type Hooks struct {
	// OnMessage fires after a realtime insert lands in the message list.
	OnMessage func(chat.Message)
	// OnStatus fires on every lifecycle transition.
	OnStatus func(status Status, conversationID string)
}

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	Status         Status
	ConversationID string
	Messages       []chat.Message
	Err            error
}

// Option configures a State.
type Option func(*State)

// WithHooks installs observer hooks.
func WithHooks(h Hooks) Option {
	return func(s *State) { s.hooks = h }
}

// WithRetry overrides the backoff used for subscribe and fetch.
func WithRetry(cfg retry.Config) Option {
	return func(s *State) { s.retry = cfg }
}

// State is the chat view of one user. It is safe for concurrent use; feed
// callbacks arrive on other goroutines.
type State struct {
	user      string
	directory Directory
	messages  Messages
	realtime  Realtime
	hooks     Hooks
	retry     retry.Config

	opMu sync.Mutex // held by the running StartChat, Refetch or Reset

	mu             sync.Mutex
	status         Status
	conversationID string
	msgs           []chat.Message
	lastErr        error
	gen            uint64
	cancel         context.CancelFunc
	closed         bool

	// While buffering, feed inserts are also recorded in observed so they can
	// be merged into a snapshot that was read concurrently.
	buffering bool
	observed  []chat.Message
}

// New creates an Idle State for user. Each consumer owns its own State and
// its own Realtime; they must not be shared.
func New(user string, directory Directory, messages Messages, realtime Realtime, opts ...Option) *State {
	s := &State{
		user:      user,
		directory: directory,
		messages:  messages,
		realtime:  realtime,
		retry:     retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.Retryable = chat.IsTransient
	return s
}

// User returns the identity the State acts as.
func (s *State) User() string {
	return s.user
}

// StartChat opens the direct conversation with targetUser. Any start still
// in flight is cancelled and the current subscription is torn down first.
// The view subscribes before fetching history and merges inserts that race
// the fetch, so no message committed after the subscription is missed.
//
// On failure the State returns to Idle and the error carries its taxonomy
// kind. If a newer StartChat, Reset or Close takes over, ErrSuperseded is
// returned and nothing is applied.
func (s *State) StartChat(ctx context.Context, targetUser string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()
	defer s.release(gen)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.realtime.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("user", s.user).Msg("chatview: teardown before start")
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return "", ErrSuperseded
	}
	s.status = Loading
	s.conversationID = ""
	s.msgs = nil
	s.lastErr = nil
	s.buffering = true
	s.observed = nil
	s.mu.Unlock()
	s.emitStatus(Loading, "")

	conversationID, err := s.directory.GetOrCreateDirectConversation(ctx, s.user, targetUser)
	if err != nil {
		return "", s.fail(gen, err)
	}

	err = s.read(ctx, "subscribe", func(context.Context) error {
		return s.realtime.Subscribe(conversationID, func(m chat.Message) {
			s.onInsert(gen, m)
		})
	})
	if err != nil {
		return "", s.fail(gen, err)
	}

	var snapshot []chat.Message
	err = s.read(ctx, "fetch", func(ctx context.Context) error {
		var err error
		snapshot, err = s.messages.FetchMessages(ctx, s.user, conversationID)
		return err
	})
	if err != nil {
		return "", s.fail(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.teardown()
		return "", ErrSuperseded
	}
	s.status = Ready
	s.conversationID = conversationID
	s.msgs = chat.MergeMessages(snapshot, s.observed)
	s.buffering = false
	s.observed = nil
	s.mu.Unlock()
	s.emitStatus(Ready, conversationID)

	log.Debug().Str("user", s.user).Str("conversation", conversationID).Msg("chatview: ready")
	return conversationID, nil
}

// Send appends text to the ready conversation. The text is trimmed; an empty
// result is a no-op that returns the zero Message and no error. The stored
// message is returned but not added to the list; it arrives through the
// realtime feed. Send is never retried.
func (s *State) Send(ctx context.Context, text string) (chat.Message, error) {
	s.mu.Lock()
	status, conversationID := s.status, s.conversationID
	s.mu.Unlock()

	if status != Ready {
		return chat.Message{}, ErrNotReady
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, nil
	}

	msg, err := s.messages.SendMessage(ctx, conversationID, s.user, text)
	if err != nil {
		return chat.Message{}, fmt.Errorf("chatview: send: %w", err)
	}
	return msg, nil
}

// Refetch re-reads the whole conversation and replaces the message list with
// the result, plus any inserts delivered while the read was in flight. On
// failure the list is kept and the error is recorded.
func (s *State) Refetch(ctx context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	if s.status != Ready {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	gen := s.gen
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.gen != gen || s.status != Ready {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	conversationID := s.conversationID
	s.cancel = cancel
	s.buffering = true
	s.observed = nil
	s.mu.Unlock()
	defer s.release(gen)

	var snapshot []chat.Message
	err := s.read(ctx, "refetch", func(ctx context.Context) error {
		var err error
		snapshot, err = s.messages.FetchMessages(ctx, s.user, conversationID)
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, ErrSuperseded
	}
	s.buffering = false
	observed := s.observed
	s.observed = nil
	if err != nil {
		s.lastErr = err
		return nil, fmt.Errorf("chatview: refetch: %w", err)
	}
	s.msgs = chat.MergeMessages(snapshot, observed)
	s.lastErr = nil
	return cloneMessages(s.msgs), nil
}

// Reset abandons any in-flight start, tears down the subscription and
// returns to Idle.
func (s *State) Reset() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	changed := s.status != Idle
	s.clearLocked()
	s.lastErr = nil
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.realtime.Unsubscribe()
	if changed {
		s.emitStatus(Idle, "")
	}
	if err != nil {
		return fmt.Errorf("chatview: reset: %w", err)
	}
	return nil
}

// Close resets the State and rejects further starts.
func (s *State) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Reset()
}

// Status returns the current lifecycle state.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConversationID returns the ready conversation, or "".
func (s *State) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:         s.status,
		ConversationID: s.conversationID,
		Messages:       cloneMessages(s.msgs),
		Err:            s.lastErr,
	}
}

func (s *State) onInsert(gen uint64, m chat.Message) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.buffering {
		s.observed = append(s.observed, m)
	}
	if s.status != Ready {
		s.mu.Unlock()
		return
	}
	var added bool
	s.msgs, added = chat.InsertMessage(s.msgs, m)
	s.mu.Unlock()

	if added && s.hooks.OnMessage != nil {
		s.hooks.OnMessage(m)
	}
}

// fail tears down the subscription and returns to Idle unless gen was
// superseded. The caller holds opMu.
func (s *State) fail(gen uint64, err error) error {
	s.teardown()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.clearLocked()
	s.lastErr = err
	s.mu.Unlock()
	s.emitStatus(Idle, "")

	log.Warn().Err(err).Str("user", s.user).Str("kind", chat.KindOf(err)).Msg("chatview: start chat failed")
	return fmt.Errorf("chatview: start chat: %w", err)
}

// release drops the cancel func of the operation started at gen, unless a
// newer operation has installed its own.
func (s *State) release(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.cancel = nil
	}
	s.mu.Unlock()
}

func (s *State) teardown() {
	if err := s.realtime.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("user", s.user).Msg("chatview: unsubscribe")
	}
}

func (s *State) clearLocked() {
	s.status = Idle
	s.conversationID = ""
	s.msgs = nil
	s.buffering = false
	s.observed = nil
}

func (s *State) read(ctx context.Context, name string, op func(context.Context) error) error {
	_, err := retry.Do(ctx, "chatview."+name, s.retry, op)
	return err
}

func (s *State) emitStatus(status Status, conversationID string) {
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(status, conversationID)
	}
}

func cloneMessages(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}
