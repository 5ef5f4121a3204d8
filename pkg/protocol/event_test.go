package protocol_test

import (
	"testing"
	"time"

	"github.com/okch/chatsync/pkg/protocol"
)

func TestEventRoundTrip(t *testing.T) {
	ev, err := protocol.NewEvent(protocol.EventSendMessage, protocol.SendMessageIntent{
		RoomID:      7,
		MessageText: "hello",
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded protocol.Event
	if err := decoded.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Name != protocol.EventSendMessage {
		t.Errorf("Name = %q, want %q", decoded.Name, protocol.EventSendMessage)
	}

	var intent protocol.SendMessageIntent
	if err := decoded.DecodeData(&intent); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if intent.RoomID != 7 || intent.MessageText != "hello" {
		t.Errorf("intent = %+v, want RoomID=7 MessageText=hello", intent)
	}
}

func TestEventWithoutPayload(t *testing.T) {
	ev, err := protocol.NewEvent(protocol.EventGetOnlineUsers, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if len(ev.Data) != 0 {
		t.Errorf("Data = %q, want empty", ev.Data)
	}

	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var decoded protocol.Event
	if err := decoded.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Name != protocol.EventGetOnlineUsers {
		t.Errorf("Name = %q, want %q", decoded.Name, protocol.EventGetOnlineUsers)
	}
}

func TestDecodeRejectsNamelessEvent(t *testing.T) {
	var ev protocol.Event
	if err := ev.Decode([]byte(`{"data":{"x":1}}`)); err == nil {
		t.Error("Decode accepted an event with no name")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var ev protocol.Event
	if err := ev.Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted invalid JSON")
	}
}

func TestPrivateMessageConversationIsRelative(t *testing.T) {
	p := protocol.PrivateMessagePayload{
		MessageID:   42,
		SenderID:    1,
		ReceiverID:  2,
		MessageText: "hi",
		SenderName:  "alice",
		SentAt:      time.Now(),
	}

	asSender := p.MessageFor(1)
	if want := protocol.DirectConversation(2); asSender.Conversation != want {
		t.Errorf("sender view conversation = %v, want %v", asSender.Conversation, want)
	}

	asReceiver := p.MessageFor(2)
	if want := protocol.DirectConversation(1); asReceiver.Conversation != want {
		t.Errorf("receiver view conversation = %v, want %v", asReceiver.Conversation, want)
	}
}

func TestConversationIdentity(t *testing.T) {
	if protocol.RoomConversation(5) != protocol.RoomConversation(5) {
		t.Error("same room conversations compare unequal")
	}
	if protocol.RoomConversation(5) == protocol.DirectConversation(5) {
		t.Error("room and direct conversations with the same id compare equal")
	}
	var zero protocol.Conversation
	if !zero.IsZero() {
		t.Error("zero conversation is not IsZero")
	}
	if protocol.RoomConversation(5).IsZero() {
		t.Error("room conversation reports IsZero")
	}
}

func TestTypingPayloadSignals(t *testing.T) {
	room := protocol.TypingPayload{UserID: 3, Username: "bob", RoomID: 9, IsTyping: true}.Signal()
	if want := protocol.RoomConversation(9); room.Conversation != want {
		t.Errorf("room signal conversation = %v, want %v", room.Conversation, want)
	}

	direct := protocol.PrivateTypingPayload{UserID: 3, Username: "bob", IsTyping: true}.Signal()
	if want := protocol.DirectConversation(3); direct.Conversation != want {
		t.Errorf("direct signal conversation = %v, want %v", direct.Conversation, want)
	}
}
