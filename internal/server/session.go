package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/okch/chatsync/pkg/protocol"
)

const (
	sessionSendBuffer = 64
	pingInterval      = 30 * time.Second
)

// wsSession is one upgraded websocket connection bound to an authenticated
// user. Reads and writes run on separate goroutines; Send never blocks the
// hub, a session too slow to drain its buffer is dropped.
type wsSession struct {
	id     string
	user   protocol.User
	conn   net.Conn
	hub    *Hub
	logger *slog.Logger

	send      chan protocol.Event
	closeOnce sync.Once
	done      chan struct{}
}

func newWSSession(conn net.Conn, user protocol.User, hub *Hub, logger *slog.Logger) *wsSession {
	id := uuid.NewString()
	return &wsSession{
		id:     id,
		user:   user,
		conn:   conn,
		hub:    hub,
		logger: logger.With("component", "session", "session", id, "user", user.ID),
		send:   make(chan protocol.Event, sessionSendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *wsSession) SessionID() string   { return s.id }
func (s *wsSession) User() protocol.User { return s.user }

// Send queues an event for delivery. If the session's buffer is full the
// session is closed rather than letting one stalled peer back up the hub.
func (s *wsSession) Send(ev protocol.Event) {
	select {
	case s.send <- ev:
	case <-s.done:
	default:
		s.logger.Warn("send buffer full, dropping session")
		s.Close()
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *wsSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// serve registers the session with the hub and runs the read loop until the
// connection dies. It blocks; the HTTP handler calls it on the upgraded
// connection's goroutine.
func (s *wsSession) serve() {
	s.hub.Register(s)
	defer func() {
		s.hub.Unregister(s)
		s.Close()
	}()

	go s.writeLoop()

	for {
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			s.logger.Debug("read loop ended", "err", err)
			return
		}
		if op != ws.OpText {
			continue
		}
		var ev protocol.Event
		if err := ev.Decode(data); err != nil {
			s.logger.Warn("dropped malformed frame", "err", err)
			continue
		}
		s.hub.HandleEvent(s, ev)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.send:
			data, err := ev.Encode()
			if err != nil {
				s.logger.Error("failed to encode event", "event", ev.Name, "err", err)
				continue
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
				s.logger.Debug("write failed", "err", err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
