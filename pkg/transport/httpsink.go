package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by writes on a closed sink.
var ErrClosed = errors.New("sink closed")

const rejectTimeout = time.Second

// HTTPSink streams a response body straight onto a hijacked connection, so
// write deadlines and Close act on the socket whatever wraps the
// ResponseWriter. The response has no length and ends when the connection
// closes.
type HTTPSink struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	head    []byte
	closed  atomic.Bool
	started atomic.Bool
}

// HijackHTTP takes over the connection behind w. header is sent with a 200
// status ahead of the first chunk. Writers that cannot be hijacked, such as
// HTTP/2 streams, return an error wrapping http.ErrNotSupported.
func HijackHTTP(w http.ResponseWriter, header http.Header) (*HTTPSink, error) {
	conn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	// The server may have left its own timeouts on the connection.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	h := header.Clone()
	h.Set("Connection", "close")

	var head bytes.Buffer
	head.WriteString("HTTP/1.1 200 OK\r\n")
	if err := h.Write(&head); err != nil {
		_ = conn.Close()
		return nil, err
	}
	head.WriteString("\r\n")

	return &HTTPSink{
		conn: conn,
		rw:   rw,
		head: head.Bytes(),
	}, nil
}

// Write sends p, preceded by the response head on the first call.
func (s *HTTPSink) Write(p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.Swap(true) {
		if _, err := s.rw.Write(s.head); err != nil {
			return err
		}
	}
	if _, err := s.rw.Write(p); err != nil {
		return err
	}
	return s.rw.Flush()
}

// Started reports whether the response head was written, after which the
// status can no longer change.
func (s *HTTPSink) Started() bool {
	return s.started.Load()
}

// SetWriteDeadline bounds the next write on the connection.
func (s *HTTPSink) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close closes the connection, which also ends a write blocked on a client
// that stopped reading.
func (s *HTTPSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// Reject answers with a plain text error and closes the connection. It fails
// once the stream has started or the sink is closed.
func (s *HTTPSink) Reject(code int, msg string) error {
	if s.started.Load() || s.closed.Load() {
		return ErrClosed
	}
	defer s.Close()

	body := msg + "\n"
	_ = s.conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	fmt.Fprintf(s.rw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
	return s.rw.Flush()
}

// Drain discards whatever the client sends and returns once the connection
// fails or is closed. Listeners never send, so its return means the client is
// gone.
func (s *HTTPSink) Drain() {
	_, _ = io.Copy(io.Discard, s.rw.Reader)
}
