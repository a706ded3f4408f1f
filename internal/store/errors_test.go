package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/luvvix/dm-core/internal/chat"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, chat.ErrNotFound},
		{"rls denial", &pq.Error{Code: "42501"}, chat.ErrUnauthorized},
		{"bad uuid", &pq.Error{Code: "22P02"}, chat.ErrNotFound},
		{"missing fk", &pq.Error{Code: "23503"}, chat.ErrNotFound},
		{"unique", &pq.Error{Code: "23505"}, ErrConflict},
		{"connection failure", &pq.Error{Code: "08006"}, chat.ErrStorageUnavailable},
		{"too many connections", &pq.Error{Code: "53300"}, chat.ErrStorageUnavailable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, chat.ErrStorageUnavailable},
		{"bad conn", driver.ErrBadConn, chat.ErrStorageUnavailable},
		{"deadline", context.DeadlineExceeded, chat.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("op", tt.err)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMapError_Unclassified(t *testing.T) {
	boom := errors.New("boom")
	err := mapError("op", boom)
	require.ErrorIs(t, err, boom)
	require.Equal(t, chat.KindUnknown, chat.KindOf(err))
	require.NoError(t, mapError("op", nil))

	err = mapError("op", &pq.Error{Code: "42P01"})
	require.Equal(t, chat.KindUnknown, chat.KindOf(err))
}

func TestMapError_CancellationIsNotTransient(t *testing.T) {
	err := mapError("op", context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, chat.IsTransient(err))
}
