package protocol

import "time"

// RoomMessagePayload is the wire shape of a room-scoped message, carried by
// newMessage events and room history responses.
type RoomMessagePayload struct {
	MessageID   int64      `json:"messageId"`
	RoomID      int64      `json:"roomId"`
	MessageText string     `json:"messageText"`
	SenderID    int64      `json:"senderId"`
	SenderName  string     `json:"senderName"`
	SentAt      time.Time  `json:"sentAt"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
}

// Message resolves the wire shape into the tagged domain message.
func (p RoomMessagePayload) Message() Message {
	return Message{
		ID:           p.MessageID,
		Conversation: RoomConversation(p.RoomID),
		Text:         p.MessageText,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		SentAt:       p.SentAt,
		EditedAt:     p.EditedAt,
	}
}

// PrivateMessagePayload is the wire shape of a direct message, carried by
// newPrivateMessage events and conversation history responses. The direct
// conversation is relative to the reader: the peer is whichever party is not
// the local user.
type PrivateMessagePayload struct {
	MessageID   int64      `json:"messageId"`
	SenderID    int64      `json:"senderId"`
	ReceiverID  int64      `json:"receiverId"`
	MessageText string     `json:"messageText"`
	SenderName  string     `json:"senderName"`
	SentAt      time.Time  `json:"sentAt"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
}

// MessageFor resolves the wire shape into the tagged domain message as seen
// by selfID.
func (p PrivateMessagePayload) MessageFor(selfID int64) Message {
	peer := p.SenderID
	if peer == selfID {
		peer = p.ReceiverID
	}
	return Message{
		ID:           p.MessageID,
		Conversation: DirectConversation(peer),
		Text:         p.MessageText,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		SentAt:       p.SentAt,
		EditedAt:     p.EditedAt,
	}
}

// EditPayload is carried by messageEdited events.
type EditPayload struct {
	MessageID   int64     `json:"messageId"`
	MessageText string    `json:"messageText"`
	EditedAt    time.Time `json:"editedAt"`
}

// DeletePayload is carried by messageDeleted events.
type DeletePayload struct {
	MessageID int64 `json:"messageId"`
}

// TypingPayload is carried by userTyping events (room scope).
type TypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	RoomID   int64  `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// Signal resolves the payload into a room-scoped typing signal.
func (p TypingPayload) Signal() TypingSignal {
	return TypingSignal{
		UserID:       p.UserID,
		Username:     p.Username,
		Conversation: RoomConversation(p.RoomID),
		Active:       p.IsTyping,
	}
}

// PrivateTypingPayload is carried by userTypingPrivate events. The sender is
// the peer of the receiving client's direct conversation.
type PrivateTypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// Signal resolves the payload into a direct typing signal.
func (p PrivateTypingPayload) Signal() TypingSignal {
	return TypingSignal{
		UserID:       p.UserID,
		Username:     p.Username,
		Conversation: DirectConversation(p.UserID),
		Active:       p.IsTyping,
	}
}

// RoomEventPayload is carried by userJoinedRoom and userLeftRoom events.
type RoomEventPayload struct {
	RoomID int64 `json:"roomId"`
	User   User  `json:"user"`
}

// Outbound intent payloads.

type SendMessageIntent struct {
	RoomID      int64  `json:"roomId"`
	MessageText string `json:"messageText"`
}

type SendPrivateMessageIntent struct {
	ReceiverID  int64  `json:"receiverId"`
	MessageText string `json:"messageText"`
}

type EditMessageIntent struct {
	MessageID   int64  `json:"messageId"`
	MessageText string `json:"messageText"`
}

type DeleteMessageIntent struct {
	MessageID int64 `json:"messageId"`
}

type JoinRoomIntent struct {
	RoomID int64 `json:"roomId"`
}

type LeaveRoomIntent struct {
	RoomID int64 `json:"roomId"`
}

type TypingIntent struct {
	RoomID   int64 `json:"roomId"`
	IsTyping bool  `json:"isTyping"`
}

type PrivateTypingIntent struct {
	ReceiverID int64 `json:"receiverId"`
	IsTyping   bool  `json:"isTyping"`
}
