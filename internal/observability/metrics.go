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
			Namespace: "capd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "route", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capd",
			Subsystem: "conn",
			Name:      "handshakes_total",
			Help:      "Connection handshakes by outcome.",
		},
		[]string{"result"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capd",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections with running mailbox loops.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capd",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Decoded request frames by command.",
		},
		[]string{"command"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capd",
			Subsystem: "registry",
			Name:      "calls_total",
			Help:      "Plugin invocations by kind and outcome.",
		},
		[]string{"kind", "success"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capd",
			Subsystem: "registry",
			Name:      "call_duration_seconds",
			Help:      "Plugin invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	loadedServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "capd",
			Subsystem: "registry",
			Name:      "loaded_services",
			Help:      "Services currently loaded.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connections, activeConnections,
			commands, calls, callDuration, loadedServices,
		)
	})
}

func RecordHTTPRequest(component, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordHandshake counts one handshake outcome: "ok", "rejected" or "failed".
func RecordHandshake(result string) {
	RegisterMetrics()
	connections.WithLabelValues(result).Inc()
}

func SetActiveConnections(n int) {
	RegisterMetrics()
	activeConnections.Set(float64(n))
}

func RecordCommand(command string) {
	RegisterMetrics()
	commands.WithLabelValues(command).Inc()
}

// RecordCall counts one invocation; kind is "call", "one_way" or "chain".
func RecordCall(kind string, success bool, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
	callDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func SetLoadedServices(n int) {
	RegisterMetrics()
	loadedServices.Set(float64(n))
}
