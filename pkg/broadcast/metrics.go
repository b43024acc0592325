package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "localwave"

type metrics struct {
	chunksProduced prometheus.Counter
	bytesProduced  prometheus.Counter
	bufferedChunks prometheus.Gauge
	listeners      prometheus.Gauge
	joins          *prometheus.CounterVec
	drops          *prometheus.CounterVec
	sessions       *prometheus.CounterVec
}

// newMetrics registers the engine metrics on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		chunksProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunks_produced_total",
			Help:      "Chunks read from the source.",
		}),
		bytesProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_produced_total",
			Help:      "Bytes read from the source.",
		}),
		bufferedChunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "replay_buffered_chunks",
			Help:      "Chunks currently held for late joiners.",
		}),
		listeners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "listeners",
			Help:      "Subscribers receiving live chunks.",
		}),
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "joins_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscriber_drops_total",
			Help:      "Subscribers removed by reason.",
		}, []string{"reason"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Broadcast sessions by outcome.",
		}, []string{"outcome"}),
	}
}
