package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Callbacks are the signals a Socket delivers to its owner. OnMessage fires
// once per inbound message, in transport order. OnClose fires exactly once,
// after the last OnMessage, whether the close was local or remote.
type Callbacks struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Socket is a single bidirectional message-oriented connection. The Session
// owns at most one Socket at a time.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens Sockets. The Session takes a Dialer so tests can substitute
// an in-process transport.
type Dialer interface {
	Dial(ctx context.Context, url string, cb Callbacks) (Socket, error)
}

// WSDialer dials real WebSocket connections.
type WSDialer struct{}

// Dial connects to url and starts the read pump. A successful return means
// the transport is open.
func (WSDialer) Dial(ctx context.Context, url string, cb Callbacks) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &wsSocket{conn: conn}
	go s.readPump(cb)
	return s, nil
}

// wsSocket wraps a gorilla connection with a write mutex and close-once
// semantics. Reads happen only in readPump.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (s *wsSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down. The read pump observes the closed
// connection and fires OnClose; callers must not assume OnClose has run by
// the time Close returns.
func (s *wsSocket) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// readPump delivers inbound messages until the connection dies, then fires
// OnClose exactly once.
func (s *wsSocket) readPump(cb Callbacks) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if cb.OnClose != nil {
				cb.OnClose(err)
			}
			return
		}
		if cb.OnMessage != nil {
			cb.OnMessage(data)
		}
	}
}
