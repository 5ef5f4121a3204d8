package protocol

import (
	"fmt"
	"time"
)

// ConversationKind discriminates the Conversation variant.
type ConversationKind uint8

const (
	ConversationNone ConversationKind = iota
	ConversationRoom
	ConversationDirect
)

// Conversation identifies the scope a message or typing signal belongs to:
// either a named room or a direct pairing with one peer. The zero value means
// no conversation. Comparable, so it serves directly as a map key.
type Conversation struct {
	Kind   ConversationKind
	RoomID int64
	PeerID int64
}

// RoomConversation returns the room-scoped variant.
func RoomConversation(roomID int64) Conversation {
	return Conversation{Kind: ConversationRoom, RoomID: roomID}
}

// DirectConversation returns the direct variant scoped to one peer.
func DirectConversation(peerID int64) Conversation {
	return Conversation{Kind: ConversationDirect, PeerID: peerID}
}

// IsZero reports whether no conversation is selected.
func (c Conversation) IsZero() bool {
	return c.Kind == ConversationNone
}

func (c Conversation) String() string {
	switch c.Kind {
	case ConversationRoom:
		return fmt.Sprintf("room:%d", c.RoomID)
	case ConversationDirect:
		return fmt.Sprintf("direct:%d", c.PeerID)
	default:
		return "none"
	}
}

// User identifies a chat participant. Online status is tracked separately and
// never stored on the entity.
type User struct {
	ID       int64  `json:"userId"`
	Username string `json:"username"`
}

// Room is a named multi-party conversation.
type Room struct {
	ID        int64  `json:"roomId"`
	Name      string `json:"roomName"`
	CreatedBy User   `json:"createdBy"`
}

// Message is a chat message after the wire shape has been resolved into its
// conversation. Identity is the server-assigned id; the conversation never
// changes after creation. Edits mutate Text and EditedAt in place.
type Message struct {
	ID           int64
	Conversation Conversation
	Text         string
	SenderID     int64
	SenderName   string
	SentAt       time.Time
	EditedAt     *time.Time
}

// Edited reports whether the message has been edited.
func (m Message) Edited() bool {
	return m.EditedAt != nil
}

// TypingSignal is an ephemeral who-is-typing-where marker, keyed by
// (UserID, Conversation). It is never persisted.
type TypingSignal struct {
	UserID       int64
	Username     string
	Conversation Conversation
	Active       bool
}
