// kafka/metrics.go
package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// -----------------------------------------------------------------------------
// Service label
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel sets the "service" label of every kafka backend metric.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus
// -----------------------------------------------------------------------------

var metrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	PublishSuccess  *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
	HandlerSuccess  *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	SessionErrors   *prometheus.CounterVec
	Pumps           *prometheus.GaugeVec
	PingSuccess     *prometheus.CounterVec
	PingErrors      *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "connect_attempts_total",
			Help: "Kafka client connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "connect_errors_total",
			Help: "Kafka client connect errors",
		},
		[]string{"service"},
	),
	PublishSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "publish_success_total",
			Help: "Acknowledged publishes",
		},
		[]string{"service", "topic"},
	),
	PublishErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "publish_errors_total",
			Help: "Failed publishes by error kind",
		},
		[]string{"service", "topic", "kind"},
	),
	PublishLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "publish_latency_seconds",
			Help:    "Publish latency until acknowledgement (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	HandlerSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "handler_success_total",
			Help: "Records acknowledged by the handler",
		},
		[]string{"service", "topic", "group"},
	),
	HandlerFailures: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "handler_failures_total",
			Help: "Handler invocations that returned an error or panicked",
		},
		[]string{"service", "topic", "group"},
	),
	SessionErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "session_errors_total",
			Help: "Consumer group session errors",
		},
		[]string{"service", "group"},
	),
	Pumps: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "pumps",
			Help: "Consumer pumps by state",
		},
		[]string{"service", "state"},
	),
	PingSuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "ping_success_total",
			Help: "Successful pings",
		},
		[]string{"service"},
	),
	PingErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broker", Subsystem: "kafka", Name: "ping_errors_total",
			Help: "Ping errors",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-broker")
