package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/squidgy/internal/avatar"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	DashboardSessions   prometheus.Gauge
	ActiveAvatars       prometheus.Gauge
	AvatarEvents        *prometheus.CounterVec
	AvatarFailures      *prometheus.CounterVec
	AvatarDeactivations *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	TokenRequests       *prometheus.CounterVec
	InitLatency         prometheus.Histogram
	SessionLength       prometheus.Histogram

	gatherer prometheus.Gatherer
	window   *latencyWindow
}

// NewMetrics registers on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DashboardSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_sessions",
			Help:      "Number of live dashboard sessions.",
		}),
		ActiveAvatars: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "avatar_active_sessions",
			Help:      "Number of streaming avatar sessions currently billed.",
		}),
		AvatarEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_events_total",
			Help:      "Avatar lifecycle events by kind.",
		}, []string{"event"}),
		AvatarFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_failures_total",
			Help:      "Avatar failures by classified kind.",
		}, []string{"kind"}),
		AvatarDeactivations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_deactivations_total",
			Help:      "Sessions ended by credit protection, by reason.",
		}, []string{"reason"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TokenRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_token_requests_total",
			Help:      "Streaming token mint requests by outcome.",
		}, []string{"outcome"}),
		InitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "avatar_init_latency_seconds",
			Help:      "Time from initialization start to stream ready.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 60, 120, 180},
		}),
		SessionLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "avatar_session_length_seconds",
			Help:      "Billed length of ended avatar sessions.",
			Buckets:   []float64{10, 30, 60, 120, 180, 240, 300, 360},
		}),
		gatherer: gatherer,
		window:   newLatencyWindow(256),
	}
}

// ObserveAvatar folds a lifecycle event into the instruments.
func (m *Metrics) ObserveAvatar(ev avatar.LifecycleEvent) {
	m.AvatarEvents.WithLabelValues(string(ev.Kind)).Inc()
	m.window.Count(string(ev.Kind))
	switch ev.Kind {
	case avatar.EventReady:
		m.ActiveAvatars.Inc()
		m.InitLatency.Observe(ev.Duration.Seconds())
		m.window.Observe(StageInitToReady, ev.Duration)
	case avatar.EventFailed:
		m.AvatarFailures.WithLabelValues(string(ev.ErrorKind)).Inc()
		m.window.Count("failed_" + string(ev.ErrorKind))
	case avatar.EventDeactivated:
		m.AvatarDeactivations.WithLabelValues(ev.Reason).Inc()
		m.endSession(ev.Duration)
	case avatar.EventEnded:
		m.endSession(ev.Duration)
	}
}

func (m *Metrics) endSession(d time.Duration) {
	m.ActiveAvatars.Dec()
	m.SessionLength.Observe(d.Seconds())
	m.window.Observe(StageSessionLength, d)
}

func (m *Metrics) SnapshotLifecycle() LifecycleSnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
