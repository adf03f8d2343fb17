package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgecmd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Per-target dispatch outcomes recorded at submit time.",
		},
		[]string{"node", "status"},
	)
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "dispatch",
			Name:      "submissions_total",
			Help:      "Admin submissions by result.",
		},
		[]string{"node", "result"},
	)
	correlations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "correlate",
			Name:      "results_total",
			Help:      "Completion reports by correlation decision.",
		},
		[]string{"node", "correlation"},
	)
	storeEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Request records evicted by the history limit.",
		},
		[]string{"node"},
	)
	storeTimedOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgecmd",
			Subsystem: "store",
			Name:      "timed_out_total",
			Help:      "Dispatched targets promoted to timed_out by the sweeper.",
		},
		[]string{"node"},
	)
	storeRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgecmd",
			Subsystem: "store",
			Name:      "records",
			Help:      "Request records currently held.",
		},
		[]string{"node"},
	)
	agentsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgecmd",
			Subsystem: "registry",
			Name:      "agents_connected",
			Help:      "Agent connections currently registered.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			dispatchOutcomes,
			submissions,
			correlations,
			storeEvictions,
			storeTimedOut,
			storeRecords,
			agentsConnected,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDispatchOutcome counts one target's submit-time status.
func RecordDispatchOutcome(node, status string) {
	RegisterMetrics()
	dispatchOutcomes.WithLabelValues(node, status).Inc()
}

func RecordSubmission(node, result string) {
	RegisterMetrics()
	submissions.WithLabelValues(node, result).Inc()
}

func RecordCorrelation(node, correlation string) {
	RegisterMetrics()
	correlations.WithLabelValues(node, correlation).Inc()
}

func RecordEvictions(node string, n int) {
	RegisterMetrics()
	storeEvictions.WithLabelValues(node).Add(float64(n))
}

func RecordTimedOut(node string, n int) {
	RegisterMetrics()
	storeTimedOut.WithLabelValues(node).Add(float64(n))
}

func SetStoredRecords(node string, n int) {
	RegisterMetrics()
	storeRecords.WithLabelValues(node).Set(float64(n))
}

func SetAgentsConnected(node string, n int) {
	RegisterMetrics()
	agentsConnected.WithLabelValues(node).Set(float64(n))
}
