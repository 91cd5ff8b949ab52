package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	TasksStarted        *prometheus.CounterVec
	TasksFinished       *prometheus.CounterVec
	ActiveTasks         prometheus.Gauge
	QueueDepth          prometheus.Gauge
	QueueWaitLatency    prometheus.Histogram
	SetupLatency        prometheus.Histogram
	EventsDispatched    *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	GatewayReconnects   prometheus.Counter
	Continuations       prometheus.Counter
	PermissionDecisions *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TasksStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks admitted by source.",
		}, []string{"source"}),
		TasksFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks finished by source and final status.",
		}, []string{"source", "status"}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks currently executing.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the queue.",
		}),
		QueueWaitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_ms",
			Help:      "Time a task spent queued before execution in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000},
		}),
		SetupLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_ms",
			Help:      "Session setup time from execution start to prompt dispatch in milliseconds.",
			Buckets:   []float64{100, 300, 700, 1500, 3000, 6000, 12000, 30000},
		}),
		EventsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Host events dispatched to task callbacks by kind.",
		}, []string{"kind"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Host events dropped because no task claimed the session.",
		}),
		GatewayReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reconnects_total",
			Help:      "Reconnects to the agent host gateway.",
		}),
		Continuations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuations_total",
			Help:      "Automated continuation prompts issued.",
		}),
		PermissionDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Permission prompt resolutions by decision.",
		}, []string{"decision"}),
	}
}

func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.QueueWaitLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSetup(d time.Duration) {
	m.SetupLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
