package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. Ping is
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("session", conn.ID).Msg("ws: dispatch parse error")
		sendError(conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("ws: unsupported message type")
		sendError(conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// send encodes payload as msgType and writes it; failures are logged.
func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("ws: failed to build message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("ws: failed to send message")
	}
}

func sendError(conn *Connection, code, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
