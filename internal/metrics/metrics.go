// Package metrics exposes the Prometheus collectors (C18) for app counts,
// FSM task outcomes, and websocket connections, sampled periodically by
// internal/scheduler and scraped over HTTP by the process entrypoint.
//
// Grounded on original_source/scotty/src/metrics/app_list.rs for the
// app-count/status-distribution/last-checked-age sampling shape, and on
// r3e-network-service_layer/infrastructure/metrics/metrics.go for the
// collector-struct-plus-registerer construction pattern and the
// record-on-a-method API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/factorialio/scotty/internal/apptypes"
)

// Metrics holds every collector Scotty exposes.
type Metrics struct {
	appsTotal        prometheus.Gauge
	appsByStatus     *prometheus.GaugeVec
	appServicesCount prometheus.Histogram
	appLastCheckAge  prometheus.Histogram

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge

	fsmTransitions *prometheus.CounterVec
	fsmFailures    *prometheus.CounterVec

	wsConnections prometheus.Gauge
}

// New creates a Metrics instance and registers its collectors against
// registerer. Pass prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across packages.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		appsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "apps_total",
			Help:      "Total number of apps known to the registry.",
		}),
		appsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "apps_by_status",
			Help:      "Number of apps currently in each status.",
		}, []string{"status"}),
		appServicesCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scotty",
			Name:      "app_services_count",
			Help:      "Distribution of service counts per app.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		appLastCheckAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scotty",
			Name:      "app_last_check_age_seconds",
			Help:      "Age of each app's last health check at sample time.",
			Buckets:   []float64{5, 15, 30, 60, 300, 900, 3600},
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "tasks_total",
			Help:      "Total number of lifecycle tasks run, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scotty",
			Name:      "task_duration_seconds",
			Help:      "Lifecycle task duration in seconds, by operation.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "tasks_in_flight",
			Help:      "Number of lifecycle tasks currently running.",
		}),
		fsmTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "fsm_transitions_total",
			Help:      "Total number of FSM state transitions, by state.",
		}, []string{"state"}),
		fsmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scotty",
			Name:      "fsm_failures_total",
			Help:      "Total number of FSM operations that failed, by operation.",
		}, []string{"operation"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scotty",
			Name:      "websocket_connections",
			Help:      "Number of currently connected websocket clients.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.appsTotal,
			m.appsByStatus,
			m.appServicesCount,
			m.appLastCheckAge,
			m.tasksTotal,
			m.taskDuration,
			m.tasksInFlight,
			m.fsmTransitions,
			m.fsmFailures,
			m.wsConnections,
		)
	}

	return m
}

// SampleApps records the app-count/status-distribution/service-count/
// last-checked-age metrics, mirroring sample_app_list_metrics's per-scan
// sweep over the registry's current app list.
func (m *Metrics) SampleApps(apps []*apptypes.App) {
	counts := make(map[apptypes.AppStatus]int, len(apps))

	for _, app := range apps {
		counts[app.Status]++
		m.appServicesCount.Observe(float64(len(app.Services)))

		if app.LastChecked != nil {
			m.appLastCheckAge.Observe(time.Since(*app.LastChecked).Seconds())
		}
	}

	m.appsTotal.Set(float64(len(apps)))

	for status, count := range counts {
		m.appsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

// RecordTaskStart marks the start of a lifecycle task, returning a func to
// call on completion with its outcome ("ok" or "error").
func (m *Metrics) RecordTaskStart(operation string) func(outcome string) {
	start := time.Now()
	m.tasksInFlight.Inc()

	return func(outcome string) {
		m.tasksInFlight.Dec()
		m.tasksTotal.WithLabelValues(operation, outcome).Inc()
		m.taskDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// RecordFSMTransition records one state transition.
func (m *Metrics) RecordFSMTransition(state string) {
	m.fsmTransitions.WithLabelValues(state).Inc()
}

// RecordFSMFailure records one failed FSM operation.
func (m *Metrics) RecordFSMFailure(operation string) {
	m.fsmFailures.WithLabelValues(operation).Inc()
}

// SetWebSocketConnections sets the current connected-client gauge.
func (m *Metrics) SetWebSocketConnections(n int) {
	m.wsConnections.Set(float64(n))
}
