package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	operationsSubmitted *prometheus.CounterVec
	operationsResolved  *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	pendingOperations   *prometheus.GaugeVec
	unknownEvents       *prometheus.CounterVec

	windowRequests      *prometheus.CounterVec
	windowFetchDuration prometheus.Histogram
	windowRows          prometheus.Gauge
	recentHits          *prometheus.CounterVec

	activeSessions prometheus.Gauge

	engineQueueSize     *prometheus.GaugeVec
	engineEnqueueTotal  *prometheus.CounterVec
	engineTaskTotal     *prometheus.CounterVec
	engineTaskDuration  *prometheus.HistogramVec
	engineConnections   prometheus.Gauge
	engineStoredRows    prometheus.Gauge
	enginePluginsLoaded *prometheus.GaugeVec

	auditEvents *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			operationsSubmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_operations_submitted_total",
					Help: "Total operations submitted by alias.",
				},
				[]string{"alias"},
			),
			operationsResolved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_operations_resolved_total",
					Help: "Total operations resolved by alias and outcome.",
				},
				[]string{"alias", "outcome"},
			),
			operationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "logdeck_operation_duration_seconds",
					Help:    "Time from registration to terminal outcome by alias.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"alias"},
			),
			pendingOperations: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "logdeck_pending_operations",
					Help: "In-flight operations by session.",
				},
				[]string{"session"},
			),
			unknownEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_unknown_sequence_events_total",
					Help: "Engine events dropped because their sequence id was unknown or finished.",
				},
				[]string{"session", "event"},
			),
			windowRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_window_requests_total",
					Help: "Window cache requests by result (hit, miss, coalesced, error).",
				},
				[]string{"result"},
			),
			windowFetchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "logdeck_window_fetch_duration_seconds",
					Help:    "Window cache fetch duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			windowRows: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "logdeck_window_cached_rows",
					Help: "Rows held by the most recently refilled window.",
				},
			),
			recentHits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_recent_lookups_total",
					Help: "Recent-access tracker lookups by result.",
				},
				[]string{"result"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "logdeck_active_sessions",
					Help: "Current open session count.",
				},
			),
			engineQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "logdeck_engine_queue_size",
					Help: "Current engine queue size by lane.",
				},
				[]string{"lane"},
			),
			engineEnqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_engine_enqueue_total",
					Help: "Total engine enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			engineTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_engine_tasks_total",
					Help: "Total engine task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			engineTaskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "logdeck_engine_task_duration_seconds",
					Help:    "Engine task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			engineConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "logdeck_engine_connections",
					Help: "Current WebSocket connections to the engine.",
				},
			),
			engineStoredRows: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "logdeck_engine_stored_rows",
					Help: "Rows held by the engine store.",
				},
			),
			enginePluginsLoaded: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "logdeck_engine_plugins",
					Help: "Plugins known to the engine by state (valid, invalid).",
				},
				[]string{"state"},
			),
			auditEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "logdeck_audit_events_total",
					Help: "Audit events recorded by type and status.",
				},
				[]string{"type", "status"},
			),
		}

		prometheus.MustRegister(
			m.operationsSubmitted,
			m.operationsResolved,
			m.operationDuration,
			m.pendingOperations,
			m.unknownEvents,
			m.windowRequests,
			m.windowFetchDuration,
			m.windowRows,
			m.recentHits,
			m.activeSessions,
			m.engineQueueSize,
			m.engineEnqueueTotal,
			m.engineTaskTotal,
			m.engineTaskDuration,
			m.engineConnections,
			m.engineStoredRows,
			m.enginePluginsLoaded,
			m.auditEvents,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordOperationSubmitted(alias string) {
	getMetrics().operationsSubmitted.WithLabelValues(alias).Inc()
}

func RecordOperationResolved(alias, outcome string, duration time.Duration) {
	m := getMetrics()
	m.operationsResolved.WithLabelValues(alias, outcome).Inc()
	if duration > 0 {
		m.operationDuration.WithLabelValues(alias).Observe(duration.Seconds())
	}
}

func SetPendingOperations(session string, count int) {
	getMetrics().pendingOperations.WithLabelValues(session).Set(float64(count))
}

func RecordUnknownSequenceEvent(session, event string) {
	getMetrics().unknownEvents.WithLabelValues(session, event).Inc()
}

func RecordWindowRequest(result string) {
	getMetrics().windowRequests.WithLabelValues(result).Inc()
}

func RecordWindowFetch(duration time.Duration, rows int) {
	m := getMetrics()
	m.windowFetchDuration.Observe(duration.Seconds())
	m.windowRows.Set(float64(rows))
}

func RecordRecentLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().recentHits.WithLabelValues(result).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.engineEnqueueTotal.WithLabelValues(lane).Inc()
	m.engineQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().engineQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.engineTaskTotal.WithLabelValues(lane, status).Inc()
	m.engineTaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.engineQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetEngineConnections(count int) {
	getMetrics().engineConnections.Set(float64(count))
}

func SetEngineStoredRows(count uint64) {
	getMetrics().engineStoredRows.Set(float64(count))
}

func SetEnginePlugins(valid, invalid int) {
	m := getMetrics()
	m.enginePluginsLoaded.WithLabelValues("valid").Set(float64(valid))
	m.enginePluginsLoaded.WithLabelValues("invalid").Set(float64(invalid))
}

func recordAuditEvent(eventType, status string) {
	getMetrics().auditEvents.WithLabelValues(eventType, status).Inc()
}
