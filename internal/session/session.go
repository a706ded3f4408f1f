// Package session records gateway connections in Redis: who is connected,
// on which server, and which direct conversation their chat view has open.
package session

import (
	"github.com/google/uuid"

	"github.com/luvvix/dm-core/internal/chatview"
)

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// StatusOf maps a chat view status to its stored form.
func StatusOf(s chatview.Status) string {
	switch s {
	case chatview.Loading:
		return StatusLoading
	case chatview.Ready:
		return StatusReady
	default:
		return StatusIdle
	}
}
