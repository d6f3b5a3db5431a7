package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	retryAttemptsTotal     *prometheus.CounterVec
	gatewayOperationsTotal *prometheus.CounterVec
	realtimeEventsTotal    *prometheus.CounterVec
	optimisticRollbacks    *prometheus.CounterVec
	onlineUsers            prometheus.Gauge
	streamClientsActive    prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the chat client.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_api_requests_total",
			Help: "Total number of local API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_api_latency_seconds",
			Help:    "Latency distribution for local API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_api_errors_total",
			Help: "Total number of error responses returned by the local API.",
		}, []string{"method", "route", "status"})

		retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_retry_attempts_total",
			Help: "Retries scheduled after a failed remote attempt.",
		}, []string{"policy"})

		gatewayOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_operations_total",
			Help: "Remote gateway operations by outcome.",
		}, []string{"operation", "outcome"})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_realtime_events_total",
			Help: "Inbound realtime events routed by feed and event type.",
		}, []string{"feed", "event"})

		optimisticRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_optimistic_rollbacks_total",
			Help: "Optimistic local mutations reverted after a remote failure.",
		}, []string{"operation"})

		onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users currently present on the presence feed.",
		})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_stream_clients_active",
			Help: "Connected snapshot stream websocket clients.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			retryAttemptsTotal,
			gatewayOperationsTotal,
			realtimeEventsTotal,
			optimisticRollbacks,
			onlineUsers,
			streamClientsActive,
		)
	})
}

// APIRequests exposes the counter for local API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for local API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for local API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RetryAttempts exposes the retry counter.
func RetryAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return retryAttemptsTotal
}

// GatewayOperations exposes the gateway outcome counter.
func GatewayOperations() *prometheus.CounterVec {
	RegisterMetrics()
	return gatewayOperationsTotal
}

// RealtimeEvents exposes the routed realtime event counter.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// OptimisticRollbacks exposes the rollback counter.
func OptimisticRollbacks() *prometheus.CounterVec {
	RegisterMetrics()
	return optimisticRollbacks
}

// OnlineUsers exposes the online users gauge.
func OnlineUsers() prometheus.Gauge {
	RegisterMetrics()
	return onlineUsers
}

// StreamClientsActive exposes the websocket stream gauge.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
