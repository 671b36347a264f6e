package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorCodeKey is the gin context key handlers use to expose the error code
// they answered with.
const ErrorCodeKey = "error_code"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beacon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	authOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Report authentication outcomes by reason.",
		},
		[]string{"outcome"},
	)
	sinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Notification deliveries per sink.",
		},
		[]string{"sink", "result"},
	)
	ledgerEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "replay_ledger",
			Name:      "entries",
			Help:      "Nonces currently held by the in-memory replay ledger.",
		},
	)
	ledgerSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "replay_ledger",
			Name:      "swept_total",
			Help:      "Expired nonces removed from the in-memory replay ledger.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, authOutcomes, sinkDeliveries, ledgerEntries, ledgerSwept)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordAuthOutcome counts "accepted" or a rejection reason.
func RecordAuthOutcome(outcome string) {
	RegisterMetrics()
	authOutcomes.WithLabelValues(outcome).Inc()
}

func RecordSinkDelivery(sink, result string) {
	RegisterMetrics()
	sinkDeliveries.WithLabelValues(sink, result).Inc()
}

func RecordLedgerSweep(removed, remaining int) {
	RegisterMetrics()
	ledgerSwept.Add(float64(removed))
	ledgerEntries.Set(float64(remaining))
}
