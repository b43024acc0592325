package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chanSource returns one queued payload per Read and EOF once closed.
type chanSource struct {
	ch        chan []byte
	closeOnce sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan []byte, 1024)}
}

func (s *chanSource) Read(p []byte) (int, error) {
	b, ok := <-s.ch
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *chanSource) send(b []byte) {
	s.ch <- b
}

func (s *chanSource) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// payload encodes the production index so sinks can check ordering.
func payload(seq int) []byte {
	return []byte(fmt.Sprintf("%08d", seq))
}

// recordingSink keeps a copy of every write.
type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// seqs decodes the payloads written so far.
func (s *recordingSink) seqs(t *testing.T) []int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.writes))
	for _, w := range s.writes {
		n, err := strconv.Atoi(string(w))
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

// failingSink fails every write.
type failingSink struct {
	mu       sync.Mutex
	attempts int
	closed   bool
}

func (s *failingSink) Write([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return errBrokenPipe
}

func (s *failingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *failingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *failingSink) writeAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// hangingSink blocks every write until it is closed.
type hangingSink struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newHangingSink() *hangingSink {
	return &hangingSink{closed: make(chan struct{})}
}

func (s *hangingSink) Write([]byte) error {
	<-s.closed
	return io.ErrClosedPipe
}

func (s *hangingSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// deadlineRecordingSink records the deadlines set before each write.
type deadlineRecordingSink struct {
	recordingSink
	deadlines []time.Time
}

func (s *deadlineRecordingSink) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines = append(s.deadlines, t)
	return nil
}

// runEngine starts e.Run on src and returns a channel with its result.
func runEngine(t *testing.T, e *Engine, src *chanSource) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- e.Run(ctx, src)
	}()

	t.Cleanup(func() {
		cancel()
		src.close()
	})

	require.Eventually(t, e.Broadcasting, time.Second, time.Millisecond)
	return result
}

// produce sends n payloads numbered from first and waits until the engine has
// published them all.
func produce(t *testing.T, e *Engine, src *chanSource, first, n int) {
	t.Helper()
	for i := first; i < first+n; i++ {
		src.send(payload(i))
	}
	want := uint64(first + n - 1)
	require.Eventually(t, func() bool { return e.Status().Produced >= want }, 2*time.Second, time.Millisecond)
}

func seqRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
