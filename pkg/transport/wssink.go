package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

// WSSink sends each chunk as one binary WebSocket message. The broadcast
// engine serialises writes per subscriber, which satisfies gorilla's single
// writer rule.
type WSSink struct {
	conn *websocket.Conn
}

// NewWSSink wraps an upgraded connection.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

func (s *WSSink) Write(p []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *WSSink) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close closes the underlying connection without a close handshake, which
// would need a write and could block.
func (s *WSSink) Close() error {
	return s.conn.Close()
}
