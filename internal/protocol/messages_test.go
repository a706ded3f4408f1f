package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/luvvix/dm-core/internal/chat"
)

func TestParseClientMessage_StartChat(t *testing.T) {
	input := []byte(`{"type":"start_chat","target_user":"bob"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartChat {
		t.Fatalf("expected type %q, got %q", TypeStartChat, msgType)
	}
	sc, ok := msg.(StartChatMsg)
	if !ok {
		t.Fatalf("expected StartChatMsg, got %T", msg)
	}
	if sc.TargetUser != "bob" {
		t.Errorf("expected target_user %q, got %q", "bob", sc.TargetUser)
	}
}

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}
	if m, ok := msg.(SendMsg); !ok || m.Text != "Hello!" {
		t.Fatalf("unexpected payload %#v", msg)
	}
}

func TestParseClientMessage_NoPayloadTypes(t *testing.T) {
	for _, typ := range []string{TypeRefetch, TypeEndChat, TypePing} {
		msgType, msg, err := ParseClientMessage([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ || msg == nil {
			t.Fatalf("%s: got type %q msg %#v", typ, msgType, msg)
		}
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	cases := map[string]string{
		"invalid json": `{"type":`,
		"missing type": `{"text":"hi"}`,
		"empty type":   `{"type":""}`,
		"server type":  `{"type":"chat_ready"}`,
		"bad field":    `{"type":"send","text":42}`,
	}
	for name, input := range cases {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNewServerMessage_ForcesType(t *testing.T) {
	out, err := NewServerMessage(TypeError, ErrorMsg{Type: "wrong", Code: chat.KindNotFound, Message: "no such conversation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ErrorMsg
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("expected type %q, got %q", TypeError, decoded.Type)
	}
	if decoded.Code != chat.KindNotFound {
		t.Errorf("expected code %q, got %q", chat.KindNotFound, decoded.Code)
	}
}

func TestNewServerMessage_ChatReady(t *testing.T) {
	msgs := []chat.Message{{
		ID:             "m1",
		Seq:            1,
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hi",
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}}
	out, err := NewServerMessage(TypeChatReady, ChatReadyMsg{ConversationID: "c1", Messages: msgs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `"type":"chat_ready"`) {
		t.Errorf("missing type in %s", out)
	}

	var decoded ChatReadyMsg
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ConversationID != "c1" || len(decoded.Messages) != 1 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if !decoded.Messages[0].CreatedAt.Equal(msgs[0].CreatedAt) {
		t.Errorf("created_at mismatch: %v", decoded.Messages[0].CreatedAt)
	}
}

func TestNewServerMessage_EmptyHistoryIsArray(t *testing.T) {
	out, err := NewServerMessage(TypeHistory, HistoryMsg{ConversationID: "c1", Messages: []chat.Message{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), `"messages":[]`) {
		t.Errorf("expected empty array in %s", out)
	}
}
