// Package metrics exposes Prometheus metrics for the execution engine.
//
// Series:
//   - mt5_terminal_requests_total{endpoint,outcome}  terminal calls by outcome (ok|error|transient|circuit_open)
//   - mt5_terminal_request_seconds{endpoint}         terminal call latency
//   - mt5_orders_total{side,status}                  order rows written by the submitter
//   - mt5_tp_fallbacks_total                         submissions retried without take-profit
//   - mt5_deals_ingested_total                       deals inserted into the deal log (duplicates excluded)
//   - mt5_polls_total{side,result}                   group polls (complete|incomplete|failed)
//   - mt5_positions_total{event}                     consolidations, closures and removed placeholders
//   - mt5_sweep_runs_total{result}, mt5_sweep_closed_total, mt5_sweep_duration_seconds
//   - mt5_circuit_state{endpoint}                    0 closed, 1 half-open, 2 open
//
// Metrics are registered in init() and served at /metrics by the API server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	terminalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_terminal_requests_total",
			Help: "Terminal calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	terminalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mt5_terminal_request_seconds",
			Help:    "Terminal call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	ordersWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_orders_total",
			Help: "Order rows written by side and initial status",
		},
		[]string{"side", "status"},
	)

	tpFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_tp_fallbacks_total",
			Help: "Submissions retried without take-profit after a stops rejection",
		},
	)

	dealsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_deals_ingested_total",
			Help: "Deals newly inserted into the deal log",
		},
	)

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_polls_total",
			Help: "Group polls by side and result",
		},
		[]string{"side", "result"},
	)

	positionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_positions_total",
			Help: "Position ledger events (consolidated|closed|placeholder_removed)",
		},
		[]string{"event"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_sweep_runs_total",
			Help: "Closure sweep runs by result",
		},
		[]string{"result"},
	)

	sweepClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_sweep_closed_total",
			Help: "Positions closed by the closure sweep",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mt5_sweep_duration_seconds",
			Help:    "Closure sweep duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mt5_circuit_state",
			Help: "Terminal circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(terminalRequests, terminalLatency)
	prometheus.MustRegister(ordersWritten, tpFallbacks, dealsIngested)
	prometheus.MustRegister(polls, positionEvents)
	prometheus.MustRegister(sweepRuns, sweepClosed, sweepDuration)
	prometheus.MustRegister(circuitState)
}

// Handler returns the exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTerminalCall records one terminal call.
func ObserveTerminalCall(endpoint, outcome string, d time.Duration) {
	terminalRequests.WithLabelValues(endpoint, outcome).Inc()
	terminalLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// CountTerminalRejected records a call short-circuited by an open breaker.
func CountTerminalRejected(endpoint string) {
	terminalRequests.WithLabelValues(endpoint, "circuit_open").Inc()
}

// CountOrder records an order row written by the submitter.
func CountOrder(side, status string) {
	ordersWritten.WithLabelValues(side, status).Inc()
}

// CountTPFallback records a retry without take-profit.
func CountTPFallback() {
	tpFallbacks.Inc()
}

// AddDealsIngested records newly inserted deals.
func AddDealsIngested(n int) {
	if n > 0 {
		dealsIngested.Add(float64(n))
	}
}

// CountPoll records a group poll.
func CountPoll(side, result string) {
	polls.WithLabelValues(side, result).Inc()
}

// CountPositionEvent records a ledger event.
func CountPositionEvent(event string) {
	positionEvents.WithLabelValues(event).Inc()
}

// ObserveSweep records a sweep run.
func ObserveSweep(result string, closed int, d time.Duration) {
	sweepRuns.WithLabelValues(result).Inc()
	sweepClosed.Add(float64(closed))
	sweepDuration.Observe(d.Seconds())
}

// SetCircuitState records a breaker's state for an endpoint.
func SetCircuitState(endpoint string, state float64) {
	circuitState.WithLabelValues(endpoint).Set(state)
}
