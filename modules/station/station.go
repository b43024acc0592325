package station

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/demiurge16/localwave/pkg/broadcast"
	"github.com/demiurge16/localwave/pkg/shoutcast"
	"github.com/demiurge16/localwave/pkg/source"
)

var module = "station"

// SourceOpener starts a new source session. The returned reader is closed
// when the session ends.
type SourceOpener func(ctx context.Context) (io.ReadCloser, error)

// Option configures a Station.
type Option func(*Station)

// WithSourceOpener replaces the configured source.
func WithSourceOpener(fn SourceOpener) Option {
	return func(s *Station) {
		s.open = fn
	}
}

// WithClock sets the clock used for write deadlines and admission.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Station) {
		s.clock = clock
	}
}

// WithTracerProvider sets where join spans are sent. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Station) {
		s.tracer = tp.Tracer(module)
	}
}

// Station broadcasts one source to every connected listener and restarts the
// source when it ends.
type Station struct {
	services.Service

	cfg    *Config
	logger *slog.Logger
	clock  clockwork.Clock
	tracer trace.Tracer

	engine *broadcast.Engine
	limits *admission
	open   SourceOpener

	mu         sync.Mutex
	source     io.ReadCloser
	nowPlaying string
}

// New creates the station and registers its handlers on router.
func New(cfg Config, logger *slog.Logger, router *mux.Router, reg prometheus.Registerer, opts ...Option) (*Station, error) {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectInitial
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoff {
		cfg.ReconnectBackoffMax = cfg.ReconnectBackoff
	}

	s := &Station{
		cfg:    &cfg,
		logger: logger.With("module", module),
		clock:  clockwork.NewRealClock(),
		tracer: otel.Tracer(module),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.open == nil {
		if err := cfg.validateSource(); err != nil {
			return nil, err
		}
		s.open = s.openSource
	}

	s.engine = broadcast.New(cfg.engineConfig(), s.logger,
		broadcast.WithClock(s.clock),
		broadcast.WithRegisterer(reg),
	)
	s.limits = newAdmission(s.cfg, s.clock)

	if router != nil {
		s.registerRoutes(router)
	}

	s.Service = services.NewBasicService(nil, s.running, s.stopping)

	return s, nil
}

func (cfg *Config) validateSource() error {
	switch cfg.Source.Kind {
	case SourceCommand:
		if cfg.Source.Command == "" {
			return errors.New("source.command is required for the command source")
		}
	case SourceShoutcast:
		if cfg.Source.URL == "" {
			return errors.New("source.url is required for the shoutcast source")
		}
	default:
		return fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
	return nil
}

func (s *Station) openSource(ctx context.Context) (io.ReadCloser, error) {
	if s.cfg.Source.Kind == SourceShoutcast {
		stream, err := shoutcast.Open(ctx, s.cfg.Source.URL, s.logger)
		if err != nil {
			return nil, err
		}
		stream.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
			s.logger.Info("now playing", "title", m.StreamTitle)
			s.setNowPlaying(m.StreamTitle)
		}
		return stream, nil
	}

	return source.Start(ctx, source.Command{
		Binary:      s.cfg.Source.Command,
		Args:        s.cfg.sourceArgs(),
		GracePeriod: s.cfg.Source.GracePeriod,
	}, s.logger)
}

func (s *Station) running(ctx context.Context) error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.ReconnectBackoff,
		MaxBackoff: s.cfg.ReconnectBackoffMax,
	})

	for {
		started := s.clock.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.cfg.Restart {
			return errors.Wrap(err, "broadcast ended")
		}

		// A session that ran for a while was healthy; start over from the
		// shortest delay.
		if s.clock.Since(started) > s.cfg.ReconnectBackoffMax {
			b.Reset()
		}

		s.logger.Warn("source ended, restarting", "err", err, "retries", b.NumRetries())
		b.Wait()
		if !b.Ongoing() {
			return nil
		}
	}
}

// session runs one broadcast session from a freshly opened source.
func (s *Station) session(ctx context.Context) error {
	src, err := s.open(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open source")
	}
	s.setNowPlaying("")

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	defer func() { _ = s.closeSource() }()

	// A blocked Read only returns once the source is closed.
	stop := context.AfterFunc(ctx, func() { _ = s.closeSource() })
	defer stop()

	return s.engine.Run(ctx, src)
}

func (s *Station) closeSource() error {
	s.mu.Lock()
	src := s.source
	s.source = nil
	s.mu.Unlock()

	if src == nil {
		return nil
	}
	if err := src.Close(); err != nil {
		s.logger.Warn("error closing source", "err", err)
		return err
	}
	return nil
}

func (s *Station) stopping(_ error) error {
	s.logger.Info("stopping")
	return s.closeSource()
}

func (s *Station) setNowPlaying(title string) {
	s.mu.Lock()
	s.nowPlaying = title
	s.mu.Unlock()
}

// NowPlaying returns the current title reported by the source, if any.
func (s *Station) NowPlaying() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowPlaying
}

// Engine exposes the broadcast engine.
func (s *Station) Engine() *broadcast.Engine {
	return s.engine
}
