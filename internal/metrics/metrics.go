package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the conference signaling broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: conference (application-level grouping)
// - subsystem: room, rtc, stream, backend, transaction, dispatcher,
//   circuit_breaker, rate_limit, bus, housekeeping
// - name: specific metric (active, events_total, duration_seconds, etc.)
//
// Metric Types:
// - Gauge: Current state (active rooms, backend capacity)
// - Counter: Cumulative events (dispatcher calls, bus publishes, errors)
// - Histogram: Latency distributions (dispatcher handling time)

var (
	// ActiveRooms tracks the current number of open rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of open rooms",
	})

	// RoomAgents tracks the number of connected agents per room.
	RoomAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "room",
		Name:      "agents",
		Help:      "Number of connected agents in each room",
	}, []string{"room_id"})

	// ActiveRtcs tracks the current number of RTCs in the ready/connected state.
	ActiveRtcs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "rtc",
		Name:      "active",
		Help:      "Current number of active RTCs",
	})

	// RtcConnectAttempts tracks rtc.connect outcomes.
	RtcConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "rtc",
		Name:      "connect_attempts_total",
		Help:      "Total rtc.connect attempts",
	}, []string{"status"})

	// OpenStreams tracks the number of currently-open RTC streams.
	OpenStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "stream",
		Name:      "open",
		Help:      "Current number of open RTC streams",
	})

	// StreamDuration tracks the closed-stream duration distribution.
	StreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conference",
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Duration of closed RTC streams",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	// BackendCapacity tracks each backend's configured capacity.
	BackendCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "backend",
		Name:      "capacity",
		Help:      "Configured backend capacity",
	}, []string{"backend_id"})

	// BackendUsed tracks each backend's used capacity.
	BackendUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "backend",
		Name:      "used",
		Help:      "Used backend capacity",
	}, []string{"backend_id"})

	// BackendEvents tracks reduced asynchronous backend events by kind.
	BackendEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "backend",
		Name:      "events_total",
		Help:      "Total asynchronous backend events reduced",
	}, []string{"kind"})

	// TransactionsPending tracks the size of the in-flight transaction table.
	TransactionsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "transaction",
		Name:      "pending",
		Help:      "Current number of in-flight backend transactions",
	})

	// TransactionsTimedOut tracks transactions reaped by the watchdog.
	TransactionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "transaction",
		Name:      "timed_out_total",
		Help:      "Total backend transactions reaped by the watchdog",
	})

	// DispatcherRequests tracks dispatcher invocations by method and status.
	DispatcherRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "dispatcher",
		Name:      "requests_total",
		Help:      "Total dispatcher requests processed",
	}, []string{"method", "status"})

	// DispatcherDuration tracks dispatcher handling latency by method.
	DispatcherDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conference",
		Subsystem: "dispatcher",
		Name:      "duration_seconds",
		Help:      "Time spent handling a dispatcher request",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method"})

	// CircuitBreakerState tracks the current state of a named circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded the dispatcher rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"method", "reason"})

	// RateLimitRequests tracks requests checked against the dispatcher rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"method"})

	// BusPublishes tracks envelope publishes by topic class and status.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total bus envelope publishes",
	}, []string{"topic_class", "status"})

	// BusOperationDuration tracks the duration of bus transport operations.
	BusOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conference",
		Subsystem: "bus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of bus transport operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// HousekeepingSweeps tracks each timer loop's completed sweeps and the
	// number of items each one acted on.
	HousekeepingSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "housekeeping",
		Name:      "sweeps_total",
		Help:      "Total housekeeping sweeps run, by loop",
	}, []string{"loop"})

	// HousekeepingItemsActed tracks the number of rooms/handles/recordings
	// each housekeeping sweep acted on.
	HousekeepingItemsActed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "housekeeping",
		Name:      "items_total",
		Help:      "Total items acted on by housekeeping sweeps, by loop",
	}, []string{"loop"})
)
