package fanout

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/telemetry/core/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 16
)

// ErrSubscriberClosed is returned by Send after the subscriber was closed
var ErrSubscriberClosed = errors.New("subscriber is closed")

// ErrSendBufferFull is returned by Send when the subscriber cannot keep up
var ErrSendBufferFull = errors.New("send buffer is full")

// WebsocketSubscriber is a subscriber on a websocket connection. Messages
// go through a small buffer which is drained by a write pump.
type WebsocketSubscriber struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// NewWebsocketSubscriber wraps conn and starts its write pump
func NewWebsocketSubscriber(conn *websocket.Conn) *WebsocketSubscriber {
	s := &WebsocketSubscriber{conn: conn, send: make(chan []byte, sendBufferSize)}
	go s.writePump()
	return s
}

// Send queues message. A full buffer is a failure.
func (s *WebsocketSubscriber) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsOpen returns false once the subscriber was closed
func (s *WebsocketSubscriber) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops the write pump, which sends a close message and closes the connection
func (s *WebsocketSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	return nil
}

func (s *WebsocketSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// readPump discards incoming messages and returns when the peer goes away
func (s *WebsocketSubscriber) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Default().WithError(err).Debugln("fanout: websocket read error")
			}
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// dashboards are served from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and adds the connection to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warnln("fanout: websocket upgrade failed")
		return
	}
	s := NewWebsocketSubscriber(conn)
	h.Add(s)
	rlog.Infoln("real-time websocket client connected")

	s.readPump()

	h.Remove(s)
	s.Close()
	rlog.Infoln("real-time websocket client disconnected")
}
