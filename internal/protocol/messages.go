// Package protocol defines the WebSocket message types exchanged between a
// chat client and the gateway. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/luvvix/dm-core/internal/chat"
)

// Client -> Server message types.
const (
	TypeStartChat = "start_chat"
	TypeSend      = "send"
	TypeRefetch   = "refetch"
	TypeEndChat   = "end_chat"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeChatLoading     = "chat_loading"
	TypeChatReady       = "chat_ready"
	TypeMessage         = "message"
	TypeHistory         = "history"
	TypeMessageAccepted = "message_accepted"
	TypeChatEnded       = "chat_ended"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// StartChatMsg opens the direct conversation with TargetUser.
type StartChatMsg struct {
	Type       string `json:"type"`
	TargetUser string `json:"target_user"`
}

// SendMsg appends Text to the open conversation.
type SendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// RefetchMsg asks for the full history of the open conversation.
type RefetchMsg struct {
	Type string `json:"type"`
}

// EndChatMsg closes the open conversation.
type EndChatMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// SessionCreatedMsg is sent once the connection is authenticated.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ChatLoadingMsg reports that a start_chat is resolving the conversation.
type ChatLoadingMsg struct {
	Type       string `json:"type"`
	TargetUser string `json:"target_user"`
}

// ChatReadyMsg carries the resolved conversation and its history, oldest
// first.
type ChatReadyMsg struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

// ServerChatMsg delivers one message inserted into the open conversation.
type ServerChatMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// HistoryMsg answers a refetch with the full history, oldest first.
type HistoryMsg struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

// MessageAcceptedMsg acknowledges a send. The message itself still arrives
// as a "message" event.
type MessageAcceptedMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// ChatEndedMsg confirms the conversation was closed.
type ChatEndedMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent when a send was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. Code is
// the error kind (see chat.KindOf) or a protocol-level code.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// Protocol-level error codes, alongside the chat error kinds.
const (
	CodeBadRequest = "bad_request"
	CodeNotReady   = "not_ready"
	CodeInternal   = "internal"
)

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartChat:
		var m StartChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefetch:
		var m RefetchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field forced to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
