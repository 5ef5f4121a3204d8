package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okch/chatsync/internal/store"
	"github.com/okch/chatsync/pkg/protocol"
)

// mockSession records everything the hub sends it.
type mockSession struct {
	id   string
	user protocol.User

	mu     sync.Mutex
	sent   []protocol.Event
	closed bool
}

func newMockSession(id string, user protocol.User) *mockSession {
	return &mockSession{id: id, user: user}
}

func (m *mockSession) SessionID() string   { return m.id }
func (m *mockSession) User() protocol.User { return m.user }

func (m *mockSession) Send(ev protocol.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, ev)
}

func (m *mockSession) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockSession) events(name string) []protocol.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Event
	for _, ev := range m.sent {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type hubFixture struct {
	hub   *Hub
	store *store.Store
	alice *mockSession
	bob   *mockSession
}

// newHubFixture seeds a store with alice and bob, a room owned by alice with
// both enrolled, and registers live sessions for both.
func newHubFixture(t *testing.T) (*hubFixture, int64) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	aliceUser, err := st.CreateUser("alice", "h")
	require.NoError(t, err)
	bobUser, err := st.CreateUser("bob", "h")
	require.NoError(t, err)
	room, err := st.CreateRoom("general", aliceUser.ID)
	require.NoError(t, err)
	require.NoError(t, st.JoinRoom(room.ID, bobUser.ID))

	hub := NewHub(st, nil)
	f := &hubFixture{
		hub:   hub,
		store: st,
		alice: newMockSession("sess-a", protocol.User{ID: aliceUser.ID, Username: "alice"}),
		bob:   newMockSession("sess-b", protocol.User{ID: bobUser.ID, Username: "bob"}),
	}
	hub.Register(f.alice)
	hub.Register(f.bob)
	return f, room.ID
}

func intent(t *testing.T, name string, payload any) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(name, payload)
	require.NoError(t, err)
	return ev
}

func TestRegisterAnnouncesPresence(t *testing.T) {
	f, _ := newHubFixture(t)

	// Bob registered after alice, so alice saw bob come online.
	online := f.alice.events(protocol.EventUserOnline)
	require.Len(t, online, 1)
	var u protocol.User
	require.NoError(t, online[0].DecodeData(&u))
	assert.Equal(t, "bob", u.Username)

	var ids []int64
	for _, ou := range f.hub.OnlineUsers() {
		ids = append(ids, ou.ID)
	}
	assert.ElementsMatch(t, []int64{f.alice.user.ID, f.bob.user.ID}, ids)
}

func TestRegisterReplacesPreviousSession(t *testing.T) {
	f, _ := newHubFixture(t)

	replacement := newMockSession("sess-a2", f.alice.user)
	f.hub.Register(replacement)

	assert.True(t, f.alice.isClosed(), "stale session not closed")
	assert.Len(t, f.hub.OnlineUsers(), 2)

	// Unregistering the stale session must not knock the new one offline.
	f.hub.Unregister(f.alice)
	assert.Len(t, f.hub.OnlineUsers(), 2)
	assert.Empty(t, f.bob.events(protocol.EventUserOffline))
}

func TestUnregisterAnnouncesOffline(t *testing.T) {
	f, _ := newHubFixture(t)

	f.hub.Unregister(f.bob)

	offline := f.alice.events(protocol.EventUserOffline)
	require.Len(t, offline, 1)
	var u protocol.User
	require.NoError(t, offline[0].DecodeData(&u))
	assert.Equal(t, "bob", u.Username)
	assert.Len(t, f.hub.OnlineUsers(), 1)
}

func TestSendMessageFansOutToMembersIncludingSender(t *testing.T) {
	f, roomID := newHubFixture(t)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventSendMessage, protocol.SendMessageIntent{
		RoomID: roomID, MessageText: "hello room",
	}))

	for _, sess := range []*mockSession{f.alice, f.bob} {
		msgs := sess.events(protocol.EventNewMessage)
		require.Len(t, msgs, 1, "%s did not receive the message", sess.user.Username)
		var p protocol.RoomMessagePayload
		require.NoError(t, msgs[0].DecodeData(&p))
		assert.Equal(t, "hello room", p.MessageText)
		assert.Equal(t, "alice", p.SenderName)
		assert.NotZero(t, p.MessageID, "message must carry its server-assigned id")
	}

	// And it was persisted.
	stored, err := f.store.RoomMessages(roomID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestEmptyMessageIsIgnored(t *testing.T) {
	f, roomID := newHubFixture(t)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventSendMessage, protocol.SendMessageIntent{
		RoomID: roomID, MessageText: "",
	}))

	stored, err := f.store.RoomMessages(roomID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPrivateMessageReachesBothParties(t *testing.T) {
	f, _ := newHubFixture(t)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventSendPrivateMessage, protocol.SendPrivateMessageIntent{
		ReceiverID: f.bob.user.ID, MessageText: "psst",
	}))

	for _, sess := range []*mockSession{f.alice, f.bob} {
		msgs := sess.events(protocol.EventNewPrivateMessage)
		require.Len(t, msgs, 1, "%s did not receive the dm", sess.user.Username)
		var p protocol.PrivateMessagePayload
		require.NoError(t, msgs[0].DecodeData(&p))
		assert.Equal(t, f.alice.user.ID, p.SenderID)
		assert.Equal(t, f.bob.user.ID, p.ReceiverID)
	}
}

func TestEditRoutedToAudience(t *testing.T) {
	f, roomID := newHubFixture(t)
	msg, err := f.store.CreateRoomMessage(roomID, f.alice.user.ID, "typo")
	require.NoError(t, err)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventEditMessage, protocol.EditMessageIntent{
		MessageID: msg.ID, MessageText: "fixed",
	}))

	for _, sess := range []*mockSession{f.alice, f.bob} {
		edits := sess.events(protocol.EventMessageEdited)
		require.Len(t, edits, 1, "%s did not receive the edit", sess.user.Username)
		var p protocol.EditPayload
		require.NoError(t, edits[0].DecodeData(&p))
		assert.Equal(t, msg.ID, p.MessageID)
		assert.Equal(t, "fixed", p.MessageText)
		assert.False(t, p.EditedAt.IsZero())
	}
}

func TestEditByNonSenderIsRefused(t *testing.T) {
	f, roomID := newHubFixture(t)
	msg, err := f.store.CreateRoomMessage(roomID, f.alice.user.ID, "mine")
	require.NoError(t, err)

	f.hub.HandleEvent(f.bob, intent(t, protocol.EventEditMessage, protocol.EditMessageIntent{
		MessageID: msg.ID, MessageText: "hijack",
	}))

	assert.Empty(t, f.alice.events(protocol.EventMessageEdited))
	assert.Len(t, f.bob.events(protocol.EventError), 1)

	stored, err := f.store.MessageByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.Content)
}

func TestDeleteRoutedToAudience(t *testing.T) {
	f, _ := newHubFixture(t)
	msg, err := f.store.CreatePrivateMessage(f.alice.user.ID, f.bob.user.ID, "oops")
	require.NoError(t, err)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventDeleteMessage, protocol.DeleteMessageIntent{
		MessageID: msg.ID,
	}))

	for _, sess := range []*mockSession{f.alice, f.bob} {
		dels := sess.events(protocol.EventMessageDeleted)
		require.Len(t, dels, 1, "%s did not receive the delete", sess.user.Username)
	}
	_, err = f.store.MessageByID(msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTypingForwardedToOtherMembersOnly(t *testing.T) {
	f, roomID := newHubFixture(t)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventTyping, protocol.TypingIntent{
		RoomID: roomID, IsTyping: true,
	}))

	assert.Empty(t, f.alice.events(protocol.EventUserTyping), "typing echoed to its sender")
	typed := f.bob.events(protocol.EventUserTyping)
	require.Len(t, typed, 1)
	var p protocol.TypingPayload
	require.NoError(t, typed[0].DecodeData(&p))
	assert.Equal(t, "alice", p.Username)
	assert.True(t, p.IsTyping)
}

func TestPrivateTypingForwardedToReceiver(t *testing.T) {
	f, _ := newHubFixture(t)

	f.hub.HandleEvent(f.alice, intent(t, protocol.EventTypingPrivate, protocol.PrivateTypingIntent{
		ReceiverID: f.bob.user.ID, IsTyping: true,
	}))

	typed := f.bob.events(protocol.EventUserTypingPrivate)
	require.Len(t, typed, 1)
	var p protocol.PrivateTypingPayload
	require.NoError(t, typed[0].DecodeData(&p))
	assert.Equal(t, f.alice.user.ID, p.UserID)
}

func TestJoinAndLeaveRoomBroadcast(t *testing.T) {
	f, _ := newHubFixture(t)
	room, err := f.store.CreateRoom("side", f.alice.user.ID)
	require.NoError(t, err)

	f.hub.HandleEvent(f.bob, intent(t, protocol.EventJoinRoom, protocol.JoinRoomIntent{RoomID: room.ID}))

	joins := f.alice.events(protocol.EventUserJoinedRoom)
	require.Len(t, joins, 1)
	var p protocol.RoomEventPayload
	require.NoError(t, joins[0].DecodeData(&p))
	assert.Equal(t, "bob", p.User.Username)

	f.hub.HandleEvent(f.bob, intent(t, protocol.EventLeaveRoom, protocol.LeaveRoomIntent{RoomID: room.ID}))
	leaves := f.alice.events(protocol.EventUserLeftRoom)
	require.Len(t, leaves, 1)

	members, err := f.store.RoomMembers(room.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.alice.user.ID}, members)
}

func TestGetOnlineUsersSnapshot(t *testing.T) {
	f, _ := newHubFixture(t)

	f.hub.HandleEvent(f.alice, protocol.Event{Name: protocol.EventGetOnlineUsers})

	snaps := f.alice.events(protocol.EventOnlineUsers)
	require.Len(t, snaps, 1)
	var users []protocol.User
	require.NoError(t, snaps[0].DecodeData(&users))
	assert.Len(t, users, 2)
}

func TestMalformedIntentIsDropped(t *testing.T) {
	f, roomID := newHubFixture(t)

	f.hub.HandleEvent(f.alice, protocol.Event{
		Name: protocol.EventSendMessage,
		Data: []byte(`"nope"`),
	})
	f.hub.HandleEvent(f.alice, protocol.Event{Name: "unknownIntent"})

	stored, err := f.store.RoomMessages(roomID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
