package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Sink is the write side of one connected client, supplied by the transport.
// Close may be called concurrently with Write; it must return promptly and
// make a blocked Write return.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// deadlineSink is implemented by sinks that can bound a single write.
type deadlineSink interface {
	SetWriteDeadline(t time.Time) error
}

// State is the liveness of a subscriber.
type State int32

const (
	// StatePending is a subscriber that is still receiving its replay.
	StatePending State = iota
	// StateActive is a subscriber receiving live chunks.
	StateActive
	// StateFailed is permanent. The subscriber will not be written to again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber is one listener's delivery target.
type Subscriber struct {
	id    uuid.UUID
	sink  Sink
	clock clockwork.Clock

	writeTimeout time.Duration

	queue chan Chunk
	quit  chan struct{}
	done  chan struct{}

	state     atomic.Int32
	delivered atomic.Uint64

	failOnce  sync.Once
	closeOnce sync.Once
	doneOnce  sync.Once
	err       error

	onFail func(s *Subscriber, prev State, err error)
}

func newSubscriber(sink Sink, clock clockwork.Clock, queueSize int, writeTimeout time.Duration, onFail func(*Subscriber, State, error)) *Subscriber {
	return &Subscriber{
		id:           uuid.New(),
		sink:         sink,
		clock:        clock,
		writeTimeout: writeTimeout,
		queue:        make(chan Chunk, queueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		onFail:       onFail,
	}
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// State returns the current liveness state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Delivered returns the number of chunks written to the sink, replay included.
func (s *Subscriber) Delivered() uint64 {
	return s.delivered.Load()
}

// Done is closed once the subscriber has failed or been removed and no
// further writes to its sink will happen.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscriber stopped. It is nil while the
// subscriber is live and after a clean Leave.
func (s *Subscriber) Err() error {
	select {
	case <-s.quit:
		return s.err
	default:
		return nil
	}
}

// offer queues c without blocking. It reports false when the queue is full.
func (s *Subscriber) offer(c Chunk) bool {
	if s.State() == StateFailed {
		return true
	}
	select {
	case s.queue <- c:
		return true
	default:
		return false
	}
}

func (s *Subscriber) activate() bool {
	return s.state.CompareAndSwap(int32(StatePending), int32(StateActive))
}

// fail moves the subscriber to StateFailed, closes the sink to unblock any
// write in flight and notifies the owner. Only the first call has an effect.
func (s *Subscriber) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		prev := State(s.state.Swap(int32(StateFailed)))
		close(s.quit)
		s.closeSink()
		if s.onFail != nil {
			s.onFail(s, prev, err)
		}
	})
}

func (s *Subscriber) closeSink() {
	s.closeOnce.Do(func() {
		_ = s.sink.Close()
	})
}

// finish is called by the goroutine that owns writes once it stops writing.
func (s *Subscriber) finish() {
	s.closeSink()
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscriber) write(c Chunk) error {
	if ds, ok := s.sink.(deadlineSink); ok && s.writeTimeout > 0 {
		if err := ds.SetWriteDeadline(s.clock.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	if err := s.sink.Write(c.Data); err != nil {
		return err
	}
	s.delivered.Add(1)
	return nil
}

// pump writes queued chunks until the subscriber fails.
func (s *Subscriber) pump() {
	defer s.finish()

	for {
		select {
		case <-s.quit:
			return
		case c := <-s.queue:
			// quit wins over queued chunks, so a lagging listener loses its
			// backlog on shutdown instead of holding it up.
			select {
			case <-s.quit:
				return
			default:
			}
			if err := s.write(c); err != nil {
				s.fail(err)
				return
			}
		}
	}
}
