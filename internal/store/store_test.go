package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luvvix/dm-core/internal/chat"
)

// newTestDB connects to the database named by DM_TEST_DATABASE_URL and applies
// migrations. Tests that call this helper are skipped when it is unset.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DM_TEST_DATABASE_URL not set")
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Open(context.Background(), DefaultDBConfig(dsn))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testPair returns a fresh canonical pair so tests never collide.
func testPair(t *testing.T) (string, string) {
	t.Helper()
	low, high, err := chat.Pair("test_"+uuid.NewString(), "test_"+uuid.NewString())
	require.NoError(t, err)
	return low, high
}

func TestConversationStore_CreateThenFind(t *testing.T) {
	db := newTestDB(t)
	s := NewConversationStore(db)
	ctx := context.Background()
	low, high := testPair(t)

	_, err := s.FindDirect(ctx, low, high)
	require.ErrorIs(t, err, chat.ErrNotFound)

	id, err := s.CreateDirect(ctx, low, high)
	require.NoError(t, err)

	found, err := s.FindDirect(ctx, low, high)
	require.NoError(t, err)
	require.Equal(t, id, found)

	_, err = s.CreateDirect(ctx, low, high)
	require.ErrorIs(t, err, ErrConflict)

	conv, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, [2]string{low, high}, conv.Participants)
}

func TestConversationStore_ConcurrentCreateYieldsOneRow(t *testing.T) {
	db := newTestDB(t)
	s := NewConversationStore(db)
	ctx := context.Background()
	low, high := testPair(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateDirect(ctx, low, high); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)

	var rows int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_low = $1 AND user_high = $2`, low, high).Scan(&rows))
	require.Equal(t, 1, rows)
}

func TestMessageStore_InsertAndList(t *testing.T) {
	db := newTestDB(t)
	conversations := NewConversationStore(db)
	messages := NewMessageStore(db)
	ctx := context.Background()
	low, high := testPair(t)

	convID, err := conversations.CreateDirect(ctx, low, high)
	require.NoError(t, err)

	msgs, err := messages.ListByConversation(ctx, low, convID)
	require.NoError(t, err)
	require.NotNil(t, msgs)
	require.Empty(t, msgs)

	for i := 0; i < 5; i++ {
		sender := low
		if i%2 == 1 {
			sender = high
		}
		_, err := messages.Insert(ctx, convID, sender, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	first, err := messages.ListByConversation(ctx, high, convID)
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i := 1; i < len(first); i++ {
		require.False(t, chat.Before(first[i], first[i-1]), "messages out of order at %d", i)
	}

	second, err := messages.ListByConversation(ctx, low, convID)
	require.NoError(t, err)
	require.Equal(t, first, second)

	got, err := messages.Get(ctx, first[0].ID)
	require.NoError(t, err)
	require.Equal(t, first[0], got)
}

func TestMessageStore_Authorization(t *testing.T) {
	db := newTestDB(t)
	conversations := NewConversationStore(db)
	messages := NewMessageStore(db)
	ctx := context.Background()
	low, high := testPair(t)

	convID, err := conversations.CreateDirect(ctx, low, high)
	require.NoError(t, err)

	_, err = messages.Insert(ctx, convID, "test_intruder", "hello")
	require.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = messages.ListByConversation(ctx, "test_intruder", convID)
	require.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = messages.ListByConversation(ctx, low, uuid.NewString())
	require.ErrorIs(t, err, chat.ErrNotFound)

	_, err = messages.Insert(ctx, "not-a-uuid", low, "hello")
	require.ErrorIs(t, err, chat.ErrNotFound)
}
