package station

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServerStation runs the station behind a dskit server, the way the
// application serves it.
func startServerStation(t *testing.T, cfg Config, serverTimeout time.Duration, src *pipeSource) (*Station, string) {
	t.Helper()

	var srvCfg server.Config
	flagext.DefaultValues(&srvCfg)
	srvCfg.HTTPListenAddress = "127.0.0.1"
	srvCfg.HTTPListenPort = 0
	srvCfg.GRPCListenAddress = "127.0.0.1"
	srvCfg.GRPCListenPort = 0
	srvCfg.RegisterInstrumentation = false
	srvCfg.HTTPServerWriteTimeout = serverTimeout
	srvCfg.ServerGracefulShutdownTimeout = time.Second
	srvCfg.Registerer = prometheus.NewRegistry()
	srvCfg.Log = kitlog.NewNopLogger()

	srv, err := server.New(srvCfg)
	require.NoError(t, err)
	go func() { _ = srv.Run() }()
	t.Cleanup(func() {
		srv.Stop()
		srv.Shutdown()
	})

	s, err := New(cfg, testLogger(), srv.HTTP, prometheus.NewRegistry(), WithSourceOpener(src.open))
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), s)
	})

	return s, srv.HTTPListenAddr().String()
}

func TestServer_StreamOutlivesServerWriteTimeout(t *testing.T) {
	src := newPipeSource()
	s, addr := startServerStation(t, testConfig(), 100*time.Millisecond, src)
	w := src.next(t)
	send(t, s, w, "hello")

	resp, err := http.Get("http://" + addr + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Test FM", resp.Header.Get("icy-name"))
	assert.Equal(t, "hello", readN(t, resp.Body, 5))

	require.Eventually(t, func() bool { return s.Engine().Listeners() == 1 }, 5*time.Second, time.Millisecond)

	// Past the server's own write timeout the connection is still ours.
	time.Sleep(300 * time.Millisecond)
	send(t, s, w, "world")
	assert.Equal(t, "world", readN(t, resp.Body, 5))
}

func TestServer_StalledListenerIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 64 * 1024
	cfg.SubscriberQueue = 4096
	cfg.WriteTimeout = 200 * time.Millisecond

	src := newPipeSource()
	s, addr := startServerStation(t, cfg, 30*time.Second, src)
	w := src.next(t)
	send(t, s, w, "hello")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetReadBuffer(4096)
	}
	// Ask for the stream and never read it.
	_, err = fmt.Fprintf(conn, "GET /stream HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Engine().Listeners() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, s.limits.current())

	chunk := strings.Repeat("a", cfg.ChunkSize)
	deadline := time.Now().Add(10 * time.Second)
	for s.Engine().Listeners() > 0 {
		require.True(t, time.Now().Before(deadline), "stalled listener was never dropped")
		send(t, s, w, chunk)
	}

	require.Eventually(t, func() bool { return s.limits.current() == 0 }, 5*time.Second, time.Millisecond)
}
