package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedEvent is returned when a change-feed payload cannot be coerced
// into a Message.
var ErrMalformedEvent = errors.New("malformed message event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// EncodeMessageEvent serializes a stored message as a change-feed payload.
func EncodeMessageEvent(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("chat: encode event: %w", err)
	}
	return data, nil
}

// DecodeMessageEvent coerces an untyped change-feed payload into a Message.
// The row may be at the top level or nested under "new" or "record". Numeric
// fields may arrive as JSON numbers or strings; created_at may be an RFC 3339
// string or Unix milliseconds.
func DecodeMessageEvent(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	for _, key := range []string{"new", "record"} {
		if nested, ok := raw[key].(map[string]any); ok {
			raw = nested
			break
		}
	}

	var (
		msg Message
		err error
	)
	if msg.ID, err = stringField(raw, "id"); err != nil {
		return Message{}, err
	}
	if msg.ConversationID, err = stringField(raw, "conversation_id"); err != nil {
		return Message{}, err
	}
	if msg.SenderID, err = stringField(raw, "sender_id"); err != nil {
		return Message{}, err
	}
	if msg.Content, err = stringField(raw, "content"); err != nil {
		return Message{}, err
	}
	if msg.Seq, err = intField(raw, "seq"); err != nil {
		return Message{}, err
	}
	if msg.CreatedAt, err = timeField(raw, "created_at"); err != nil {
		return Message{}, err
	}

	if err := validate.Struct(msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return msg, nil
}

func stringField(raw map[string]any, key string) (string, error) {
	switch v := raw[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: field %q has type %T", ErrMalformedEvent, key, v)
	}
}

func intField(raw map[string]any, key string) (int64, error) {
	switch v := raw[key].(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: field %q is not an integer", ErrMalformedEvent, key)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %q: %v", ErrMalformedEvent, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: field %q has type %T", ErrMalformedEvent, key, v)
	}
}

func timeField(raw map[string]any, key string) (time.Time, error) {
	switch v := raw[key].(type) {
	case nil:
		return time.Time{}, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: field %q: %v", ErrMalformedEvent, key, err)
		}
		return t.UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: field %q has type %T", ErrMalformedEvent, key, v)
	}
}
