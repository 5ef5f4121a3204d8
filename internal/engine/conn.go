// Package engine implements the client-side synchronization core: the
// persistent connection, the presence and typing trackers, the message stream
// merger, and the session that scopes their combined state to the active
// conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/okch/chatsync/pkg/protocol"
)

// Status is the connection lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrConnClosed is returned when dialing a connection that has been
	// permanently closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrNoToken is returned when dialing without a bearer token.
	ErrNoToken = errors.New("no auth token")
	// ErrAlreadyConnected is returned when dialing while a live connection
	// exists. At most one live connection exists at a time.
	ErrAlreadyConnected = errors.New("already connected")
)

// Conn owns the single persistent connection to the chat server. All other
// components only read decoded events from Events or send through Emit; none
// of them touch the underlying socket.
type Conn struct {
	url    string
	logger *slog.Logger
	events chan protocol.Event

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	status  Status
	token   string
	closed  bool
	cycle   chan struct{}
	wg      sync.WaitGroup
}

// NewConn creates a connection manager for the given websocket URL. The token
// authenticates the handshake; it may be replaced later with SetToken.
func NewConn(url, token string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		url:    url,
		token:  token,
		logger: logger.With("component", "conn"),
		events: make(chan protocol.Event, 64),
	}
}

// Dial establishes the connection, authenticating with the current token via
// the handshake Authorization header. On success it requests a presence
// snapshot, exactly once per establishment.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.token == "" {
		c.mu.Unlock()
		return ErrNoToken
	}
	if c.ws != nil || c.status != StatusDisconnected {
		// A live connection, or a handshake already in flight.
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.status = StatusConnecting
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.token != token {
		// Closed or token replaced while the handshake was in flight.
		c.mu.Unlock()
		ws.Close()
		return ErrConnClosed
	}
	c.ws = ws
	c.status = StatusConnected
	cycle := make(chan struct{})
	c.cycle = cycle
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url)

	c.wg.Add(1)
	go c.readPump(ws, cycle)

	if err := c.Emit(protocol.EventGetOnlineUsers, nil); err != nil {
		c.logger.Warn("presence snapshot request failed", "err", err)
	}
	return nil
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Events returns the channel of decoded inbound events. The channel is
// closed after a permanent Close, once the read pump has stopped.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// Emit sends an outbound intent. While the connection is not established the
// intent is dropped silently: outbound actions are fire-and-forget and never
// queued.
func (c *Conn) Emit(name string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected || ws == nil {
		c.logger.Debug("dropped emit while disconnected", "event", name)
		return nil
	}

	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		return err
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

// SetToken replaces the bearer token. Any existing connection is torn down
// first; a new one is dialed only for a non-empty token, so clearing the
// token leaves the connection down.
func (c *Conn) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.token == token {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.teardownLocked()
	c.mu.Unlock()

	if token == "" {
		return nil
	}
	return c.Dial(ctx)
}

// Close tears the connection down permanently. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()

	// closed is set, so no new read pump can start; once the current one
	// is done nothing writes to events and consumers can drain to the end.
	c.wg.Wait()
	close(c.events)
}

// teardownLocked closes the live connection, if any. Callers hold c.mu.
func (c *Conn) teardownLocked() {
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.cycle != nil {
		close(c.cycle)
		c.cycle = nil
	}
	c.status = StatusDisconnected
}

// readPump decodes inbound frames and forwards them to the events channel
// until the connection dies or is torn down.
func (c *Conn) readPump(ws *websocket.Conn, cycle chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == ws {
				// Remote close or transport fault; surface it as a
				// status change, not an error.
				c.ws = nil
				c.status = StatusDisconnected
				if c.cycle != nil {
					close(c.cycle)
					c.cycle = nil
				}
				c.logger.Info("disconnected", "err", err)
			}
			c.mu.Unlock()
			return
		}

		var ev protocol.Event
		if err := ev.Decode(data); err != nil {
			c.logger.Warn("dropped malformed event", "err", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-cycle:
			return
		}
	}
}
