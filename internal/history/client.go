// Package history is the read-side REST collaborator: it loads history
// snapshots for the stream merger and the room/user listings the client
// surfaces, and handles the credential exchange that yields the bearer token
// the persistent connection authenticates with.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/okch/chatsync/pkg/protocol"
)

// Client is a REST client for the chat server's read side.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	mu     sync.RWMutex
	token  string
	selfID int64
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken sets the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return fmt.Errorf("server error %d: %s", resp.StatusCode, errResp.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Credentials is the request body for login and register.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is the response from login and register.
type AuthResponse struct {
	Token string        `json:"token"`
	User  protocol.User `json:"user"`
}

// Login exchanges credentials for a bearer token. The token and the local
// user identity are retained for subsequent requests.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/auth/login", Credentials{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.selfID = resp.User.ID
	c.mu.Unlock()
	return &resp, nil
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, username, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/auth/register", Credentials{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.selfID = resp.User.ID
	c.mu.Unlock()
	return &resp, nil
}

// Rooms lists all chat rooms.
func (c *Client) Rooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	if err := c.doRequest(ctx, http.MethodGet, "/chat-rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom creates a room.
func (c *Client) CreateRoom(ctx context.Context, name string) (*protocol.Room, error) {
	var room protocol.Room
	req := struct {
		RoomName string `json:"roomName"`
	}{RoomName: name}
	if err := c.doRequest(ctx, http.MethodPost, "/chat-rooms", req, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// MyRooms lists the rooms the logged-in user is a member of.
func (c *Client) MyRooms(ctx context.Context) ([]protocol.Room, error) {
	var rooms []protocol.Room
	if err := c.doRequest(ctx, http.MethodGet, "/chat-rooms/my-rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Conversations lists the users the logged-in user has direct-message
// history with.
func (c *Client) Conversations(ctx context.Context) ([]protocol.User, error) {
	var users []protocol.User
	if err := c.doRequest(ctx, http.MethodGet, "/private-messages/conversations", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Users lists all registered users.
func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var users []protocol.User
	if err := c.doRequest(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// RoomMessages returns the history snapshot for one room, oldest first.
func (c *Client) RoomMessages(ctx context.Context, roomID int64) ([]protocol.Message, error) {
	var payloads []protocol.RoomMessagePayload
	path := fmt.Sprintf("/messages/room/%d", roomID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payloads); err != nil {
		return nil, err
	}
	msgs := make([]protocol.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = p.Message()
	}
	return msgs, nil
}

// ConversationWith returns the direct-message history snapshot with one
// peer, oldest first, resolved against the logged-in user.
func (c *Client) ConversationWith(ctx context.Context, peerID int64) ([]protocol.Message, error) {
	c.mu.RLock()
	selfID := c.selfID
	c.mu.RUnlock()

	var payloads []protocol.PrivateMessagePayload
	path := fmt.Sprintf("/private-messages/conversation/%d", peerID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &payloads); err != nil {
		return nil, err
	}
	msgs := make([]protocol.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = p.MessageFor(selfID)
	}
	return msgs, nil
}
