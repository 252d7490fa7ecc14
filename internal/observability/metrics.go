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
			Namespace: "scope",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"name", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scope",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name", "method", "route", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "connections_total",
			Help:      "Network connection transitions by role.",
		},
		[]string{"role", "event"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "messages_total",
			Help:      "Protocol messages by role, direction and type.",
		},
		[]string{"role", "direction", "type"},
	)
	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "dispatch_errors_total",
			Help:      "Calls answered with an error status.",
		},
		[]string{"service", "status"},
	)
	parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "parse_errors_total",
			Help:      "Wire reader failures by kind.",
		},
		[]string{"kind"},
	)
	writerQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scope",
			Name:      "writer_queue_depth",
			Help:      "Messages waiting in a connection's writer.",
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connections,
			messages,
			dispatchErrors,
			parseErrors,
			writerQueue,
		)
	})
}

func RecordHTTPRequest(name, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(name, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(name, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordConnection counts success, failure, closed and lost transitions.
func RecordConnection(role, event string) {
	RegisterMetrics()
	connections.WithLabelValues(role, event).Inc()
}

func RecordMessage(role, direction, typ string) {
	RegisterMetrics()
	messages.WithLabelValues(role, direction, typ).Inc()
}

func RecordDispatchError(service, status string) {
	RegisterMetrics()
	dispatchErrors.WithLabelValues(service, status).Inc()
}

func RecordParseError(kind string) {
	RegisterMetrics()
	parseErrors.WithLabelValues(kind).Inc()
}

func SetWriterQueue(role string, depth int) {
	RegisterMetrics()
	writerQueue.WithLabelValues(role).Set(float64(depth))
}
