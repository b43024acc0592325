package station

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/demiurge16/localwave/pkg/broadcast"
	"github.com/demiurge16/localwave/pkg/transport"
)

const wsCloseTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type statusResponse struct {
	Name string `json:"name"`
	broadcast.Status
	Connections int    `json:"connections"`
	NowPlaying  string `json:"now_playing"`
}

func (s *Station) registerRoutes(router *mux.Router) {
	router.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.wsHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
}

func (s *Station) streamHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer s.limits.release(ip)

	header := http.Header{}
	header.Set("Content-Type", s.cfg.ContentType)
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("icy-name", s.cfg.Name)

	sink, err := transport.HijackHTTP(w, header)
	if err != nil {
		s.logger.Warn("cannot stream to client", "err", err, "proto", r.Proto)
		http.Error(w, "streaming requires HTTP/1.1", http.StatusHTTPVersionNotSupported)
		return
	}

	// The request context no longer follows the hijacked connection.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		sink.Drain()
	}()

	sub, err := s.join(ctx, sink, "http")
	if err != nil {
		if errors.Is(err, broadcast.ErrNotBroadcasting) && !sink.Started() {
			_ = sink.Reject(http.StatusServiceUnavailable, "not broadcasting")
		}
		_ = sink.Close()
		return
	}

	s.serve(ctx, sub)
}

func (s *Station) wsHandler(w http.ResponseWriter, r *http.Request) {
	ip, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer s.limits.release(ip)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	// Listeners never send; reading only notices the peer going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub, err := s.join(ctx, transport.NewWSSink(conn), "ws")
	if err != nil {
		if errors.Is(err, broadcast.ErrNotBroadcasting) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "not broadcasting")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		}
		_ = conn.Close()
		return
	}

	s.serve(ctx, sub)
}

func (s *Station) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Name:        s.cfg.Name,
		Status:      s.engine.Status(),
		Connections: s.limits.current(),
		NowPlaying:  s.NowPlaying(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("error encoding status", "err", err)
	}
}

// admit applies the listener limits, replying to the client when it is
// turned away.
func (s *Station) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := clientIP(r)
	ok, reason := s.limits.acquire(ip)
	if ok {
		return ip, true
	}

	s.logger.Debug("listener rejected", "ip", ip, "reason", reason)
	if reason == rejectGlobal {
		http.Error(w, "station is full", http.StatusServiceUnavailable)
	} else {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
	}
	return "", false
}

func (s *Station) join(ctx context.Context, sink broadcast.Sink, kind string) (*broadcast.Subscriber, error) {
	ctx, span := s.tracer.Start(ctx, "Station.join", trace.WithAttributes(
		attribute.String("transport", kind),
	))
	defer span.End()

	if s.cfg.FrameAlign {
		sink = transport.AlignFrames(sink)
	}

	sub, err := s.engine.Join(ctx, sink)
	if err != nil {
		s.logger.Debug("join failed", "transport", kind, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed: "+err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("subscriber", sub.ID().String()))
	span.SetStatus(codes.Ok, "ok")
	s.logger.Info("listener connected", "id", sub.ID(), "transport", kind, "listeners", s.engine.Listeners())

	return sub, nil
}

// serve blocks until the subscriber fails or the client goes away. The sink
// is not written to once serve returns.
func (s *Station) serve(ctx context.Context, sub *broadcast.Subscriber) {
	select {
	case <-sub.Done():
	case <-ctx.Done():
		s.engine.Leave(sub)
		<-sub.Done()
	}

	s.logger.Info("listener disconnected", "id", sub.ID(), "delivered", sub.Delivered(), "err", sub.Err())
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
