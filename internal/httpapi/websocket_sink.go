package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds how long a single subscriber frame write may block.
// A subscriber whose network can't keep up within this window is treated
// as dead and evicted by the fan-out pipeline once that broadcast round
// completes.
const writeTimeout = 5 * time.Second

// websocketSink adapts a *websocket.Conn to the broker.Sink contract.
// gorilla/websocket connections are not safe for concurrent writers, so
// every SendBinary call is serialized through mu; the broker's fan-out
// pipeline may call SendBinary from a broadcast goroutine while Close is
// called from the HTTP handler's read loop on disconnect.
type websocketSink struct {
	conn *websocket.Conn

	mu   sync.Mutex
	open bool
}

func newWebsocketSink(conn *websocket.Conn) *websocketSink {
	return &websocketSink{conn: conn, open: true}
}

// SendBinary implements broker.Sink.
func (s *websocketSink) SendBinary(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return websocket.ErrCloseSent
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		s.open = false
		return err
	}
	return nil
}

// IsOpen implements broker.Sink.
func (s *websocketSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close implements broker.Sink.
func (s *websocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return s.conn.Close()
}
