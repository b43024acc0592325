package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults applied to zero Config fields.
const (
	DefaultBufferChunks    = 150
	DefaultChunkSize       = 8 * 1024
	DefaultSubscriberQueue = 64
	DefaultWriteTimeout    = 5 * time.Second
)

type engineState int32

const (
	stateIdle engineState = iota
	stateBroadcasting
	stateStopped
)

// Config sizes the engine.
type Config struct {
	// BufferChunks is the replay capacity, in chunks.
	BufferChunks int
	// ChunkSize is the largest read issued against the source.
	ChunkSize int
	// SubscriberQueue is how many live chunks a subscriber may fall behind
	// before it is dropped.
	SubscriberQueue int
	// WriteTimeout bounds a single write on sinks that support deadlines.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferChunks <= 0 {
		c.BufferChunks = DefaultBufferChunks
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = DefaultSubscriberQueue
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
}

// Status is a point in time view of the engine, for display.
type Status struct {
	Broadcasting bool   `json:"broadcasting"`
	Listeners    int    `json:"listeners"`
	Buffered     int    `json:"buffered_chunks"`
	Capacity     int    `json:"buffer_capacity"`
	Produced     uint64 `json:"produced_chunks"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to compute write deadlines.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.reg = reg
	}
}

// Engine drives a single source and fans its chunks out to subscribers.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	clock   clockwork.Clock
	reg     prometheus.Registerer
	metrics *metrics

	buffer   *ReplayBuffer
	registry *Registry

	// seq orders chunk publication against join snapshots. It is only held
	// for non-blocking work.
	seq      sync.Mutex
	state    atomic.Int32
	produced atomic.Uint64
}

// New creates an idle engine. Joins are accepted before the first Run so
// listeners may connect while the source starts.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.metrics = newMetrics(e.reg)
	e.buffer = NewReplayBuffer(cfg.BufferChunks)
	e.registry = NewRegistry()

	return e
}

// Run reads src until it is exhausted or ctx is cancelled. It returns an
// error wrapping ErrSourceExhausted in the first case and the context error
// in the second. Either way every subscriber is closed and Join fails with
// ErrNotBroadcasting until Run is called again.
//
// Run does not close src. Callers that need a blocked Read to return on
// cancellation must close the source themselves.
func (e *Engine) Run(ctx context.Context, src io.Reader) error {
	e.seq.Lock()
	if engineState(e.state.Load()) == stateBroadcasting {
		e.seq.Unlock()
		return errors.New("engine already running")
	}
	e.buffer.Reset()
	e.produced.Store(0)
	e.state.Store(int32(stateBroadcasting))
	e.seq.Unlock()

	e.metrics.bufferedChunks.Set(0)
	e.logger.Info("broadcast started")

	err := e.produce(ctx, src)
	e.shutdown()

	if errors.Is(err, ErrSourceExhausted) {
		e.metrics.sessions.WithLabelValues("exhausted").Inc()
		e.logger.Error("broadcast ended", "err", err, "chunks", e.produced.Load())
	} else {
		e.metrics.sessions.WithLabelValues("canceled").Inc()
		e.logger.Info("broadcast stopped", "chunks", e.produced.Load())
	}

	return err
}

func (e *Engine) produce(ctx context.Context, src io.Reader) error {
	buf := make([]byte, e.cfg.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.publish(data)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %w", ErrSourceExhausted, err)
		}
	}
}

// publish appends data to the replay buffer and queues it for every
// subscriber. Subscribers whose queue is full are dropped.
func (e *Engine) publish(data []byte) {
	e.seq.Lock()
	defer e.seq.Unlock()

	c := Chunk{Seq: e.produced.Add(1), Data: data}
	e.buffer.Push(c)

	e.registry.ForEach(func(s *Subscriber) {
		if !s.offer(c) {
			s.fail(errSlowSubscriber)
		}
	})

	e.metrics.chunksProduced.Inc()
	e.metrics.bytesProduced.Add(float64(len(data)))
	e.metrics.bufferedChunks.Set(float64(e.buffer.Len()))
}

func (e *Engine) shutdown() {
	e.seq.Lock()
	e.state.Store(int32(stateStopped))
	e.seq.Unlock()

	if n := e.registry.Len(); n > 0 {
		e.logger.Info("closing subscribers", "count", n)
	}
	e.registry.ForEach(func(s *Subscriber) {
		s.fail(errEngineStopped)
	})
}

// Join attaches sink as a new listener. The replay buffer is written to the
// sink first, then the sink receives every chunk produced after the snapshot
// was taken. Join returns once the replay has been written; the returned
// subscriber then receives live chunks on its own goroutine until it fails or
// Leave is called.
//
// A chunk published concurrently with Join is delivered exactly once, either
// as the last replay chunk or as the first live one.
func (e *Engine) Join(ctx context.Context, sink Sink) (*Subscriber, error) {
	e.seq.Lock()
	if engineState(e.state.Load()) == stateStopped {
		e.seq.Unlock()
		e.metrics.joins.WithLabelValues("rejected").Inc()
		return nil, ErrNotBroadcasting
	}
	replay := e.buffer.Snapshot()
	sub := newSubscriber(sink, e.clock, e.cfg.SubscriberQueue, e.cfg.WriteTimeout, e.drop)
	e.registry.Add(sub)
	e.seq.Unlock()

	if err := e.catchUp(ctx, sub, replay); err != nil {
		sub.fail(err)
		sub.finish()
		if errors.Is(err, errEngineStopped) {
			e.metrics.joins.WithLabelValues("rejected").Inc()
			return nil, ErrNotBroadcasting
		}
		e.metrics.joins.WithLabelValues("aborted").Inc()
		return nil, fmt.Errorf("%w: %w", ErrJoinAborted, err)
	}

	if !sub.activate() {
		// Failed while catching up, most likely the queue overflowed.
		err := sub.Err()
		if err == nil {
			err = errors.New("left during catch-up")
		}
		sub.finish()
		if errors.Is(err, errEngineStopped) {
			e.metrics.joins.WithLabelValues("rejected").Inc()
			return nil, ErrNotBroadcasting
		}
		e.metrics.joins.WithLabelValues("aborted").Inc()
		return nil, fmt.Errorf("%w: %w", ErrJoinAborted, err)
	}

	e.metrics.listeners.Inc()
	e.metrics.joins.WithLabelValues("ok").Inc()
	e.logger.Debug("subscriber joined", "id", sub.ID(), "replay", len(replay))

	go sub.pump()

	return sub, nil
}

func (e *Engine) catchUp(ctx context.Context, sub *Subscriber, replay []Chunk) error {
	for _, c := range replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-sub.quit:
			return sub.Err()
		default:
		}
		if err := sub.write(c); err != nil {
			return err
		}
	}
	return nil
}

// Leave removes sub. It is safe to call more than once and on subscribers
// that already failed. Wait on sub.Done() before releasing resources the sink
// writes to.
func (e *Engine) Leave(sub *Subscriber) {
	sub.fail(nil)
}

// drop is the subscriber failure callback.
func (e *Engine) drop(sub *Subscriber, prev State, err error) {
	e.registry.Remove(sub)

	if prev != StateActive {
		return
	}
	e.metrics.listeners.Dec()

	reason := dropReason(err)
	e.metrics.drops.WithLabelValues(reason).Inc()

	switch reason {
	case "left", "stopped":
		e.logger.Debug("subscriber removed", "id", sub.ID(), "reason", reason, "delivered", sub.Delivered())
	default:
		e.logger.Warn("subscriber dropped", "id", sub.ID(), "reason", reason, "err", err, "delivered", sub.Delivered())
	}
}

func dropReason(err error) string {
	switch {
	case err == nil:
		return "left"
	case errors.Is(err, errSlowSubscriber):
		return "slow"
	case errors.Is(err, errEngineStopped):
		return "stopped"
	default:
		return "write_error"
	}
}

// Listeners returns the number of subscribers receiving live chunks.
func (e *Engine) Listeners() int {
	return e.registry.Active()
}

// Broadcasting reports whether Run is currently reading the source.
func (e *Engine) Broadcasting() bool {
	return engineState(e.state.Load()) == stateBroadcasting
}

// Status returns a snapshot of the engine for display.
func (e *Engine) Status() Status {
	return Status{
		Broadcasting: e.Broadcasting(),
		Listeners:    e.Listeners(),
		Buffered:     e.buffer.Len(),
		Capacity:     e.buffer.Cap(),
		Produced:     e.produced.Load(),
	}
}
