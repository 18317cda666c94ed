package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	routerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_router_requests_total",
			Help: "Total number of routed utterances by classified intent mode.",
		},
		[]string{"mode"},
	)
	routerTerminalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_router_terminals_total",
			Help: "Total number of requests by terminal state.",
		},
		[]string{"state"},
	)
	guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_guard_rejections_total",
			Help: "Total number of candidate queries rejected by the validator.",
		},
		[]string{"reason"},
	)
	completionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "datachat_completion_latency_ms",
			Help:    "Completion capability call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)
	storeExecutionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_store_execution_latency_ms",
			Help:    "Backing store query execution latency in milliseconds by store kind.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"store"},
	)
	storeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_store_retries_total",
			Help: "Total number of bounded retries on transient store errors.",
		},
		[]string{"store"},
	)
)

func init() {
	prometheus.MustRegister(
		routerRequestsTotal,
		routerTerminalsTotal,
		guardRejectionsTotal,
		completionLatencyMs,
		storeExecutionLatencyMs,
		storeRetriesTotal,
	)
}

func ObserveRoutedIntent(mode string) {
	routerRequestsTotal.WithLabelValues(mode).Inc()
}

func ObserveTerminalState(state string) {
	routerTerminalsTotal.WithLabelValues(state).Inc()
}

func ObserveGuardRejection(reason string) {
	guardRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveCompletionLatency(elapsed time.Duration) {
	completionLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveStoreExecution(store string, elapsed time.Duration) {
	storeExecutionLatencyMs.WithLabelValues(store).Observe(float64(elapsed.Milliseconds()))
}

func IncrementStoreRetry(store string) {
	storeRetriesTotal.WithLabelValues(store).Inc()
}
