package history_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okch/chatsync/internal/history"
	"github.com/okch/chatsync/pkg/protocol"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /auth/login", r.Method, r.URL.Path)
		}
		var creds history.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("failed to decode credentials: %v", err)
		}
		if creds.Username != "alice" || creds.Password != "pw1234" {
			t.Errorf("credentials = %+v", creds)
		}
		json.NewEncoder(w).Encode(history.AuthResponse{
			Token: "tok-abc",
			User:  protocol.User{ID: 1, Username: "alice"},
		})
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	resp, err := c.Login(context.Background(), "alice", "pw1234")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if resp.User.ID != 1 {
		t.Errorf("User.ID = %d, want 1", resp.User.ID)
	}
	if got := c.Token(); got != "tok-abc" {
		t.Errorf("Token = %q, want %q", got, "tok-abc")
	}
}

func TestAuthenticatedRequestsCarryBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-abc" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-abc")
		}
		json.NewEncoder(w).Encode([]protocol.Room{{ID: 1, Name: "general"}})
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	c.SetToken("tok-abc")
	rooms, err := c.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "general" {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestMyRoomsAndConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat-rooms/my-rooms":
			json.NewEncoder(w).Encode([]protocol.Room{{ID: 3, Name: "joined"}})
		case "/private-messages/conversations":
			json.NewEncoder(w).Encode([]protocol.User{{ID: 2, Username: "bob"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	rooms, err := c.MyRooms(context.Background())
	if err != nil {
		t.Fatalf("MyRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "joined" {
		t.Errorf("rooms = %v", rooms)
	}

	users, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Errorf("users = %v", users)
	}
}

func TestServerErrorIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	if _, err := c.Login(context.Background(), "alice", "wrong"); err == nil {
		t.Fatal("Login succeeded against a 401")
	}
}

func TestRoomMessagesResolvesConversation(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/room/7" {
			t.Errorf("path = %s, want /messages/room/7", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]protocol.RoomMessagePayload{
			{MessageID: 1, RoomID: 7, MessageText: "hello", SenderID: 2, SenderName: "bob", SentAt: at},
		})
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	msgs, err := c.RoomMessages(context.Background(), 7)
	if err != nil {
		t.Fatalf("RoomMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if want := protocol.RoomConversation(7); msgs[0].Conversation != want {
		t.Errorf("Conversation = %v, want %v", msgs[0].Conversation, want)
	}
}

func TestConversationWithResolvesPeerRelativeToSelf(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			json.NewEncoder(w).Encode(history.AuthResponse{
				Token: "tok",
				User:  protocol.User{ID: 1, Username: "alice"},
			})
		case "/private-messages/conversation/2":
			json.NewEncoder(w).Encode([]protocol.PrivateMessagePayload{
				{MessageID: 1, SenderID: 2, ReceiverID: 1, MessageText: "from bob", SenderName: "bob", SentAt: at},
				{MessageID: 2, SenderID: 1, ReceiverID: 2, MessageText: "from me", SenderName: "alice", SentAt: at},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := history.NewClient(srv.URL)
	if _, err := c.Login(context.Background(), "alice", "pw1234"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	msgs, err := c.ConversationWith(context.Background(), 2)
	if err != nil {
		t.Fatalf("ConversationWith failed: %v", err)
	}
	want := protocol.DirectConversation(2)
	for i, m := range msgs {
		if m.Conversation != want {
			t.Errorf("msgs[%d].Conversation = %v, want %v", i, m.Conversation, want)
		}
	}
}
