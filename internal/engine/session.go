package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okch/chatsync/pkg/protocol"
)

// Transport is the connection surface the session depends on. *Conn
// implements it; tests substitute a stub.
type Transport interface {
	Emit(name string, payload any) error
	Events() <-chan protocol.Event
	Status() Status
	Close()
}

// HistoryFetcher loads eventually-consistent history snapshots from the
// read-side collaborator.
type HistoryFetcher interface {
	RoomMessages(ctx context.Context, roomID int64) ([]protocol.Message, error)
	ConversationWith(ctx context.Context, peerID int64) ([]protocol.Message, error)
}

// ErrNoConversation is returned when sending without an active conversation.
var ErrNoConversation = errors.New("no conversation selected")

// Handler consumes a raw inbound event.
type Handler func(protocol.Event)

// Subscription is a scoped handle on a named-event subscription. Cancel
// releases it deterministically; cancelling twice is harmless.
type Subscription struct {
	s    *Session
	name string
	id   int
}

// Cancel removes the subscription.
func (sub *Subscription) Cancel() {
	if sub.s == nil {
		return
	}
	sub.s.unsubscribe(sub.name, sub.id)
	sub.s = nil
}

type subEntry struct {
	id int
	fn Handler
}

// View is the render-ready projection of the session state, scoped to the
// active conversation.
type View struct {
	Status       Status
	Conversation protocol.Conversation
	Messages     []protocol.Message
	Online       []protocol.User
	TypingLine   string
}

// SessionOptions tunes a session. The zero value is fine.
type SessionOptions struct {
	// TypingIdle overrides the debounce interval for local typing
	// emission. Defaults to DefaultTypingIdle.
	TypingIdle time.Duration
	Logger     *slog.Logger
}

// Session is the orchestration layer: it owns the trackers and the merger,
// serializes every state change through one lock so each event applies
// run-to-completion, and scopes the merged state to the active conversation.
// Exactly one conversation is active at a time, or none before the first
// selection; there is no way back to none.
type Session struct {
	transport Transport
	history   HistoryFetcher
	self      protocol.User
	logger    *slog.Logger
	emitter   *TypingEmitter

	mu        sync.Mutex
	presence  *PresenceTracker
	typing    *TypingTracker
	merger    *StreamMerger
	scope     protocol.Conversation
	subs      map[string][]subEntry
	nextSubID int
}

// NewSession assembles a session for the local user on top of a transport
// and a history fetcher.
func NewSession(transport Transport, history HistoryFetcher, self protocol.User, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "user", self.ID)

	s := &Session{
		transport: transport,
		history:   history,
		self:      self,
		logger:    logger,
		presence:  NewPresenceTracker(),
		typing:    NewTypingTracker(),
		merger:    NewStreamMerger(logger),
		subs:      make(map[string][]subEntry),
	}
	s.emitter = NewTypingEmitter(opts.TypingIdle, s.emitTyping)
	return s
}

// Self returns the local user.
func (s *Session) Self() protocol.User {
	return s.self
}

// Run consumes inbound events until the context is cancelled or the
// transport's event channel is drained after close. Handlers run to
// completion before the next event is taken.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one inbound event to the trackers and the merger, then
// notifies subscribers. Malformed payloads are logged and dropped; they never
// corrupt the merged stream or abort the connection.
func (s *Session) HandleEvent(ev protocol.Event) {
	s.mu.Lock()
	switch ev.Name {
	case protocol.EventUserOnline:
		var u protocol.User
		if err := ev.DecodeData(&u); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.presence.ApplyOnline(u)

	case protocol.EventUserOffline:
		var u protocol.User
		if err := ev.DecodeData(&u); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.presence.ApplyOffline(u.ID)

	case protocol.EventOnlineUsers:
		var users []protocol.User
		if err := ev.DecodeData(&users); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.presence.ApplySnapshot(users)

	case protocol.EventUserTyping:
		var p protocol.TypingPayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.typing.Apply(p.Signal())

	case protocol.EventUserTypingPrivate:
		var p protocol.PrivateTypingPayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.typing.Apply(p.Signal())

	case protocol.EventNewMessage:
		var p protocol.RoomMessagePayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.merger.ApplyCreated(p.Message())

	case protocol.EventNewPrivateMessage:
		var p protocol.PrivateMessagePayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.merger.ApplyCreated(p.MessageFor(s.self.ID))

	case protocol.EventMessageEdited:
		var p protocol.EditPayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.merger.ApplyEdited(p.MessageID, p.MessageText, p.EditedAt)

	case protocol.EventMessageDeleted:
		var p protocol.DeletePayload
		if err := ev.DecodeData(&p); err != nil {
			s.dropLocked(ev, err)
			break
		}
		s.merger.ApplyDeleted(p.MessageID)

	case protocol.EventUserJoinedRoom, protocol.EventUserLeftRoom:
		// Informational; subscribers may care, the core state does not.

	case protocol.EventError:
		s.logger.Warn("server error event", "data", string(ev.Data))

	default:
		s.logger.Debug("ignored unknown event", "event", ev.Name)
	}

	var fns []Handler
	for _, e := range s.subs[ev.Name] {
		fns = append(fns, e.fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) dropLocked(ev protocol.Event, err error) {
	s.logger.Warn("dropped malformed payload", "event", ev.Name, "err", err)
}

// Subscribe registers a handler for a named event. Handlers run on the
// session loop after the event has been applied to the core state.
func (s *Session) Subscribe(name string, fn Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[name] = append(s.subs[name], subEntry{id: id, fn: fn})
	return &Subscription{s: s, name: name, id: id}
}

func (s *Session) unsubscribe(name string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.subs[name]
	for i, e := range entries {
		if e.id == id {
			s.subs[name] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// SelectRoom makes the room the active conversation, announces the join so
// the server scopes future pushes correctly, and starts a history fetch.
// Re-selecting a conversation re-fetches, which also serves as the retry
// path after a failed load.
func (s *Session) SelectRoom(ctx context.Context, roomID int64) {
	s.emitter.Flush()
	conv := protocol.RoomConversation(roomID)

	s.mu.Lock()
	s.scope = conv
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.EventJoinRoom, protocol.JoinRoomIntent{RoomID: roomID}); err != nil {
		s.logger.Warn("join room failed", "room", roomID, "err", err)
	}
	go s.loadHistory(ctx, conv)
}

// SelectUser makes the direct conversation with the peer active and starts a
// history fetch. Direct scope needs no join announcement.
func (s *Session) SelectUser(ctx context.Context, peerID int64) {
	s.emitter.Flush()
	conv := protocol.DirectConversation(peerID)

	s.mu.Lock()
	s.scope = conv
	s.mu.Unlock()

	go s.loadHistory(ctx, conv)
}

// loadHistory fetches the snapshot for conv and merges it. The result is
// merged even when the user has switched away in the meantime: merging
// stale-conversation data is always safe, only rendering it would not be,
// and View filters by the active scope.
func (s *Session) loadHistory(ctx context.Context, conv protocol.Conversation) {
	var (
		msgs []protocol.Message
		err  error
	)
	switch conv.Kind {
	case protocol.ConversationRoom:
		msgs, err = s.history.RoomMessages(ctx, conv.RoomID)
	case protocol.ConversationDirect:
		msgs, err = s.history.ConversationWith(ctx, conv.PeerID)
	default:
		return
	}
	if err != nil {
		// Not fatal: the conversation stays selectable and a re-select
		// retries the fetch.
		s.logger.Warn("history fetch failed", "conversation", conv.String(), "err", err)
		return
	}

	s.mu.Lock()
	inserted := s.merger.ApplyHistory(msgs)
	s.mu.Unlock()
	s.logger.Debug("history merged", "conversation", conv.String(), "fetched", len(msgs), "inserted", inserted)
}

// Send sends text to the active conversation. The pending typing timer is
// cancelled and the stop-typing signal emitted before the send.
func (s *Session) Send(text string) error {
	s.emitter.Flush()

	s.mu.Lock()
	conv := s.scope
	s.mu.Unlock()

	switch conv.Kind {
	case protocol.ConversationRoom:
		return s.transport.Emit(protocol.EventSendMessage, protocol.SendMessageIntent{
			RoomID:      conv.RoomID,
			MessageText: text,
		})
	case protocol.ConversationDirect:
		return s.transport.Emit(protocol.EventSendPrivateMessage, protocol.SendPrivateMessageIntent{
			ReceiverID:  conv.PeerID,
			MessageText: text,
		})
	default:
		return ErrNoConversation
	}
}

// Edit asks the server to edit one of the local user's messages.
func (s *Session) Edit(messageID int64, text string) error {
	return s.transport.Emit(protocol.EventEditMessage, protocol.EditMessageIntent{
		MessageID:   messageID,
		MessageText: text,
	})
}

// Delete asks the server to delete one of the local user's messages.
func (s *Session) Delete(messageID int64) error {
	return s.transport.Emit(protocol.EventDeleteMessage, protocol.DeleteMessageIntent{
		MessageID: messageID,
	})
}

// LeaveRoom announces leaving a room. Switching conversations does not leave
// implicitly; this is an explicit user action.
func (s *Session) LeaveRoom(roomID int64) error {
	return s.transport.Emit(protocol.EventLeaveRoom, protocol.LeaveRoomIntent{RoomID: roomID})
}

// Keystroke records local typing activity in the active conversation,
// feeding the debounced emitter.
func (s *Session) Keystroke() {
	s.emitter.Keystroke()
}

// emitTyping routes a debounced typing transition to the active
// conversation. Runs under the emitter's lock, never under s.mu.
func (s *Session) emitTyping(active bool) {
	s.mu.Lock()
	conv := s.scope
	s.mu.Unlock()

	var err error
	switch conv.Kind {
	case protocol.ConversationRoom:
		err = s.transport.Emit(protocol.EventTyping, protocol.TypingIntent{
			RoomID:   conv.RoomID,
			IsTyping: active,
		})
	case protocol.ConversationDirect:
		err = s.transport.Emit(protocol.EventTypingPrivate, protocol.PrivateTypingIntent{
			ReceiverID: conv.PeerID,
			IsTyping:   active,
		})
	default:
		return
	}
	if err != nil {
		s.logger.Debug("typing emit failed", "err", err)
	}
}

// View returns the render-ready projection for the active conversation.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Status:       s.transport.Status(),
		Conversation: s.scope,
		Online:       s.presence.Online(),
	}
	if s.scope.IsZero() {
		return v
	}
	v.Messages = s.merger.Conversation(s.scope)

	typing := s.typing.TypingIn(s.scope)
	if len(typing) > 0 {
		names := make([]string, len(typing))
		for i, sig := range typing {
			names[i] = sig.Username
		}
		v.TypingLine = FormatTyping(names)
	}
	return v
}

// Close releases the typing timer and tears down the transport. The emitter
// flushes first so no typing signal can be emitted after teardown.
func (s *Session) Close() {
	s.emitter.Flush()
	s.transport.Close()
}
