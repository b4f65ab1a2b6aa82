package liverelay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of a relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	Sessions          *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	Chunks            *prometheus.CounterVec
	InboundFrames     prometheus.Counter
	Errors            *prometheus.CounterVec
	DialDuration      prometheus.Histogram
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the relay instruments with reg. A nil reg uses a fresh
// registry so several relays can coexist in one process, e.g. in tests.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of relay sessions currently open.",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Relay sessions by outcome.",
		}, []string{"outcome"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Model turns by how they ended.",
		}, []string{"status"}),
		Chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Model audio chunks forwarded to clients or dropped as stale.",
		}, []string{"result"}),
		InboundFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Microphone frames received from clients.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind.",
		}, []string{"kind"}),
		DialDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_seconds",
			Help:      "Time to open an upstream session, including setup.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10},
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session open to the first model audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		gatherer: reg,
	}
}

// Handler serves the registry the metrics were created in.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) sessionClosed(outcome string) {
	if m != nil {
		m.ActiveSessions.Dec()
		m.Sessions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) observeDial(d time.Duration) {
	if m != nil {
		m.DialDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) observeFirstAudio(d time.Duration) {
	if m != nil {
		m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	}
}

func (m *Metrics) turnEnded(status TurnStatus) {
	if m != nil {
		m.Turns.WithLabelValues(status.String()).Inc()
	}
}

func (m *Metrics) chunks(result string, n int) {
	if m != nil && n > 0 {
		m.Chunks.WithLabelValues(result).Add(float64(n))
	}
}

func (m *Metrics) inboundFrame() {
	if m != nil {
		m.InboundFrames.Inc()
	}
}

func (m *Metrics) error(kind string) {
	if m != nil {
		m.Errors.WithLabelValues(kind).Inc()
	}
}
