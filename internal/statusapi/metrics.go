package statusapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// States are the values the state gauge takes, in gauge order.
var States = []string{
	"Initialized",
	"DeviceRecognized",
	"DataPacked",
	"DataSent",
	"DeviceInitialized",
	"ConnectionLost",
	"Reconnected",
}

// Metrics holds the agent's Prometheus collectors. It satisfies the
// protocol observer so the transfer engine reports chunk events directly.
type Metrics struct {
	registry *prometheus.Registry

	reconnects      prometheus.Counter
	chunksSent      prometheus.Counter
	bytesSent       prometheus.Counter
	chunkRetries    prometheus.Counter
	uploadsVerified prometheus.Counter
	state           *prometheus.GaugeVec
	progress        prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_reconnects_total",
			Help: "Successful reconnects after a connection loss.",
		}),
		chunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_chunks_sent_total",
			Help: "Chunks acknowledged by the server.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_bytes_sent_total",
			Help: "Payload bytes acknowledged by the server.",
		}),
		chunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_chunk_retries_total",
			Help: "Chunks sent again after a rejected or unreadable acknowledgment.",
		}),
		uploadsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_uploads_verified_total",
			Help: "Packages whose hashes the server confirmed.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uplink_state",
			Help: "1 for the current program state, 0 for all others.",
		}, []string{"state"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uplink_upload_progress_ratio",
			Help: "Fraction of the current package acknowledged by the server.",
		}),
	}

	m.registry.MustRegister(
		m.reconnects,
		m.chunksSent,
		m.bytesSent,
		m.chunkRetries,
		m.uploadsVerified,
		m.state,
		m.progress,
	)
	for _, s := range States {
		m.state.WithLabelValues(s).Set(0)
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ChunkSent(size int) {
	m.chunksSent.Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) ChunkRetried() {
	m.chunkRetries.Inc()
}

func (m *Metrics) UploadVerified() {
	m.uploadsVerified.Inc()
}

// Reconnected counts one recovered connection.
func (m *Metrics) Reconnected() {
	m.reconnects.Inc()
}

// StateChanged moves the state gauge to state.
func (m *Metrics) StateChanged(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// Progress sets the upload progress gauge.
func (m *Metrics) Progress(sent, total int64) {
	if total <= 0 {
		m.progress.Set(0)
		return
	}
	m.progress.Set(float64(sent) / float64(total))
}
