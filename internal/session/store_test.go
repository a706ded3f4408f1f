package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/luvvix/dm-core/internal/chatview"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewStore(client, "ws-test")
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "test_" + NewID()

	require.NoError(t, s.Create(ctx, id, "alice"))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "alice", got.UserID)
	require.Equal(t, StatusIdle, got.Status)
	require.Equal(t, "ws-test", got.Server)

	require.NoError(t, s.SetStatus(ctx, id, StatusReady, "c1"))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, "c1", got.ConversationID)

	require.NoError(t, s.SetStatus(ctx, id, StatusLoading, "c2"))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, got.ConversationID)

	require.NoError(t, s.Delete(ctx, id))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusIdle, StatusOf(chatview.Idle))
	require.Equal(t, StatusLoading, StatusOf(chatview.Loading))
	require.Equal(t, StatusReady, StatusOf(chatview.Ready))
}
