package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/luvvix/dm-core/internal/chat"
)

// ErrConflict reports that a unique constraint rejected an insert.
var ErrConflict = errors.New("store: conflict")

// mapError classifies a database error into the chat taxonomy, keeping the
// original error in the chain.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := classify(err); kind != nil {
		return fmt.Errorf("store: %s: %w: %w", op, kind, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42501": // insufficient_privilege, raised by row-level policies
			return chat.ErrUnauthorized
		case "22P02", "23503": // malformed uuid, missing referenced conversation
			return chat.ErrNotFound
		case "23505":
			return ErrConflict
		}
		switch pqErr.Code.Class() {
		case "08", "53", "57": // connection, resources, operator intervention
			return chat.ErrStorageUnavailable
		}
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return chat.ErrStorageUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return chat.ErrStorageUnavailable
	}
	return nil
}
