package server

import (
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"github.com/okch/chatsync/internal/store"
	"github.com/okch/chatsync/pkg/protocol"
)

// clientSession is one live authenticated connection as the hub sees it.
// *wsSession implements it; tests substitute mocks.
type clientSession interface {
	SessionID() string
	User() protocol.User
	Send(ev protocol.Event)
	Close()
}

// Hub tracks the live session per user and routes every inbound intent:
// persisting messages, fanning pushes out to the right audience, forwarding
// typing signals, and answering presence snapshot requests.
type Hub struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]clientSession
}

// NewHub creates a hub backed by the given store.
func NewHub(st *store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:    st,
		logger:   logger.With("component", "hub"),
		sessions: make(map[int64]clientSession),
	}
}

// Register adds a session and announces the user online. A user holds at
// most one live session; a newer one replaces (and closes) the previous.
func (h *Hub) Register(cs clientSession) {
	user := cs.User()

	h.mu.Lock()
	prev := h.sessions[user.ID]
	h.sessions[user.ID] = cs
	h.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	h.logger.Info("session registered", "user", user.ID, "session", cs.SessionID())
	h.broadcast(protocol.EventUserOnline, user, user.ID)
}

// Unregister removes a session if it is still the user's current one and
// announces the user offline.
func (h *Hub) Unregister(cs clientSession) {
	user := cs.User()

	h.mu.Lock()
	current, ok := h.sessions[user.ID]
	if !ok || current.SessionID() != cs.SessionID() {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, user.ID)
	h.mu.Unlock()

	h.logger.Info("session unregistered", "user", user.ID, "session", cs.SessionID())
	h.broadcast(protocol.EventUserOffline, user, user.ID)
}

// OnlineUsers returns the users currently holding a live session.
func (h *Hub) OnlineUsers() []protocol.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]protocol.User, 0, len(h.sessions))
	for _, cs := range h.sessions {
		users = append(users, cs.User())
	}
	return users
}

// HandleEvent processes one inbound intent from a session. Malformed or
// unknown intents are logged and dropped.
func (h *Hub) HandleEvent(cs clientSession, ev protocol.Event) {
	sender := cs.User()

	switch ev.Name {
	case protocol.EventSendMessage:
		var in protocol.SendMessageIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		if in.MessageText == "" {
			return
		}
		m, err := h.store.CreateRoomMessage(in.RoomID, sender.ID, in.MessageText)
		if err != nil {
			h.fail(cs, "failed to send message", err)
			return
		}
		h.sendToRoom(in.RoomID, protocol.EventNewMessage, roomPayload(m))

	case protocol.EventSendPrivateMessage:
		var in protocol.SendPrivateMessageIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		if in.MessageText == "" {
			return
		}
		m, err := h.store.CreatePrivateMessage(sender.ID, in.ReceiverID, in.MessageText)
		if err != nil {
			h.fail(cs, "failed to send private message", err)
			return
		}
		p := privatePayload(m)
		h.sendTo(in.ReceiverID, protocol.EventNewPrivateMessage, p)
		h.sendTo(sender.ID, protocol.EventNewPrivateMessage, p)

	case protocol.EventEditMessage:
		var in protocol.EditMessageIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		m, err := h.store.EditMessage(in.MessageID, sender.ID, in.MessageText)
		if err != nil {
			h.fail(cs, "failed to edit message", err)
			return
		}
		h.sendToAudience(m, protocol.EventMessageEdited, protocol.EditPayload{
			MessageID:   m.ID,
			MessageText: m.Content,
			EditedAt:    *m.EditedAt,
		})

	case protocol.EventDeleteMessage:
		var in protocol.DeleteMessageIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		m, err := h.store.DeleteMessage(in.MessageID, sender.ID)
		if err != nil {
			h.fail(cs, "failed to delete message", err)
			return
		}
		h.sendToAudience(m, protocol.EventMessageDeleted, protocol.DeletePayload{MessageID: m.ID})

	case protocol.EventJoinRoom:
		var in protocol.JoinRoomIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		if err := h.store.JoinRoom(in.RoomID, sender.ID); err != nil {
			h.fail(cs, "failed to join room", err)
			return
		}
		h.sendToRoom(in.RoomID, protocol.EventUserJoinedRoom, protocol.RoomEventPayload{
			RoomID: in.RoomID,
			User:   sender,
		})

	case protocol.EventLeaveRoom:
		var in protocol.LeaveRoomIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		if err := h.store.LeaveRoom(in.RoomID, sender.ID); err != nil {
			h.fail(cs, "failed to leave room", err)
			return
		}
		h.sendToRoom(in.RoomID, protocol.EventUserLeftRoom, protocol.RoomEventPayload{
			RoomID: in.RoomID,
			User:   sender,
		})

	case protocol.EventTyping:
		var in protocol.TypingIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		h.sendToRoomExcept(in.RoomID, sender.ID, protocol.EventUserTyping, protocol.TypingPayload{
			UserID:   sender.ID,
			Username: sender.Username,
			RoomID:   in.RoomID,
			IsTyping: in.IsTyping,
		})

	case protocol.EventTypingPrivate:
		var in protocol.PrivateTypingIntent
		if err := ev.DecodeData(&in); err != nil {
			h.drop(cs, ev, err)
			return
		}
		h.sendTo(in.ReceiverID, protocol.EventUserTypingPrivate, protocol.PrivateTypingPayload{
			UserID:   sender.ID,
			Username: sender.Username,
			IsTyping: in.IsTyping,
		})

	case protocol.EventGetOnlineUsers:
		if ev, err := protocol.NewEvent(protocol.EventOnlineUsers, h.OnlineUsers()); err == nil {
			cs.Send(ev)
		}

	default:
		h.logger.Debug("ignored unknown intent", "event", ev.Name, "user", sender.ID)
	}
}

func (h *Hub) drop(cs clientSession, ev protocol.Event, err error) {
	h.logger.Warn("dropped malformed intent", "event", ev.Name, "user", cs.User().ID, "err", err)
}

func (h *Hub) fail(cs clientSession, msg string, err error) {
	h.logger.Warn(msg, "user", cs.User().ID, "err", err)
	if errors.Is(err, store.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
		payload := struct {
			Error string `json:"error"`
		}{Error: msg}
		if ev, evErr := protocol.NewEvent(protocol.EventError, payload); evErr == nil {
			cs.Send(ev)
		}
	}
}

// sendTo delivers an event to one user's live session, if any.
func (h *Hub) sendTo(userID int64, name string, payload any) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", name, "err", err)
		return
	}
	h.mu.RLock()
	cs := h.sessions[userID]
	h.mu.RUnlock()
	if cs != nil {
		cs.Send(ev)
	}
}

// broadcast delivers an event to every live session except one user.
func (h *Hub) broadcast(name string, payload any, exceptID int64) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", name, "err", err)
		return
	}
	h.mu.RLock()
	targets := make([]clientSession, 0, len(h.sessions))
	for id, cs := range h.sessions {
		if id != exceptID {
			targets = append(targets, cs)
		}
	}
	h.mu.RUnlock()
	for _, cs := range targets {
		cs.Send(ev)
	}
}

func (h *Hub) sendToRoom(roomID int64, name string, payload any) {
	h.sendToRoomExcept(roomID, 0, name, payload)
}

// sendToRoomExcept delivers an event to the connected members of a room,
// skipping exceptID.
func (h *Hub) sendToRoomExcept(roomID, exceptID int64, name string, payload any) {
	members, err := h.store.RoomMembers(roomID)
	if err != nil {
		h.logger.Error("failed to list room members", "room", roomID, "err", err)
		return
	}
	for _, id := range members {
		if id == exceptID {
			continue
		}
		h.sendTo(id, name, payload)
	}
}

// sendToAudience routes a mutation notice to whoever could hold the message:
// the room's members for a room message, both parties for a private one.
func (h *Hub) sendToAudience(m *store.Message, name string, payload any) {
	if m.RoomID.Valid {
		h.sendToRoom(m.RoomID.Int64, name, payload)
		return
	}
	h.sendTo(m.SenderID, name, payload)
	if m.ReceiverID.Valid {
		h.sendTo(m.ReceiverID.Int64, name, payload)
	}
}

func roomPayload(m *store.Message) protocol.RoomMessagePayload {
	return protocol.RoomMessagePayload{
		MessageID:   m.ID,
		RoomID:      m.RoomID.Int64,
		MessageText: m.Content,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		SentAt:      m.SentAt,
		EditedAt:    m.EditedAt,
	}
}

func privatePayload(m *store.Message) protocol.PrivateMessagePayload {
	return protocol.PrivateMessagePayload{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  receiverID(m.ReceiverID),
		MessageText: m.Content,
		SenderName:  m.SenderName,
		SentAt:      m.SentAt,
		EditedAt:    m.EditedAt,
	}
}

func receiverID(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
