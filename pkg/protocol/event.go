// Package protocol defines the wire model shared by the chat server and the
// client synchronization engine: the named-event envelope, the payload shapes
// carried inside it, and the conversation-scoped domain types they decode into.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server -> client event names.
const (
	EventNewMessage        = "newMessage"
	EventNewPrivateMessage = "newPrivateMessage"
	EventMessageEdited     = "messageEdited"
	EventMessageDeleted    = "messageDeleted"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventOnlineUsers       = "onlineUsers"
	EventUserTyping        = "userTyping"
	EventUserTypingPrivate = "userTypingPrivate"
	EventUserJoinedRoom    = "userJoinedRoom"
	EventUserLeftRoom      = "userLeftRoom"
	EventError             = "error"
)

// Client -> server intent names. Fire-and-forget: no response contract.
const (
	EventSendMessage        = "sendMessage"
	EventSendPrivateMessage = "sendPrivateMessage"
	EventEditMessage        = "editMessage"
	EventDeleteMessage      = "deleteMessage"
	EventJoinRoom           = "joinRoom"
	EventLeaveRoom          = "leaveRoom"
	EventTyping             = "typing"
	EventTypingPrivate      = "typingPrivate"
	EventGetOnlineUsers     = "getOnlineUsers"
)

// Event is the envelope every frame on the persistent connection carries.
// Data is left raw so consumers can decode only the names they understand
// and drop the rest.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps a payload into an envelope. A nil payload produces an
// envelope with no data, which is valid for bare intents like getOnlineUsers.
func NewEvent(name string, payload any) (Event, error) {
	ev := Event{Name: name}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	ev.Data = data
	return ev, nil
}

// Encode encodes the envelope into bytes.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Decode decodes bytes into the envelope.
func (e *Event) Decode(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Name == "" {
		return fmt.Errorf("event has no name")
	}
	return nil
}

// DecodeData decodes the payload into dst.
func (e Event) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}
