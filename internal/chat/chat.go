// Package chat holds the direct-messaging domain: conversations, messages,
// the error taxonomy shared by every layer, and the helpers that validate
// content and order message logs.
package chat

import (
	"strings"
	"time"
)

// Conversation is a one-to-one thread between exactly two participants.
type Conversation struct {
	ID           string
	Participants [2]string // canonical order, see Pair
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// Message is an immutable entry of a conversation log. ID, Seq and CreatedAt
// are assigned by the store.
type Message struct {
	ID             string    `json:"id" validate:"required"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id" validate:"required"`
	SenderID       string    `json:"sender_id" validate:"required"`
	Content        string    `json:"content" validate:"required"`
	CreatedAt      time.Time `json:"created_at" validate:"required"`
}

// Pair canonicalizes an unordered participant pair so that {a, b} and {b, a}
// map to the same key. Identifiers are trimmed; it fails with
// ErrInvalidParticipants when either is empty or both are equal.
func Pair(a, b string) (low, high string, err error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return "", "", ErrInvalidParticipants
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}
