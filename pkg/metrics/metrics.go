package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransactionOutcomes counts completed native units of recovery by outcome
// (committed, backed_out, heuristic_mixed, heuristic_commit, read_only, begin_failed)
var TransactionOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rrsbridge_transactions_total",
		Help: "Total number of native units of recovery completed, by outcome",
	},
	[]string{"outcome"},
)

// ContextOperations counts context manager operations (begin, suspend, resume, end, end_forced)
var ContextOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rrsbridge_context_operations_total",
		Help: "Total number of native context operations performed",
	},
	[]string{"op"},
)

// NativeFailures counts non-OK return codes by registry call
var NativeFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rrsbridge_native_failures_total",
		Help: "Total number of registry calls that returned a non-OK return code",
	},
	[]string{"call"},
)

// RestartRecords reports the number of in-doubt interests awaiting resolution
var RestartRecords = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rrsbridge_restart_records",
		Help: "Number of restart recovery records handed to the transaction manager",
	},
)

// CommitLatency records the time spent completing a unit of recovery
var CommitLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "rrsbridge_completion_latency_seconds",
		Help:    "Latency in seconds to commit or back out a unit of recovery",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(TransactionOutcomes, ContextOperations, NativeFailures)
	prometheus.MustRegister(RestartRecords, CommitLatency)
}

// ObserveCompletion records the latency of a completion begun at start
func ObserveCompletion(start time.Time) {
	CommitLatency.Observe(time.Since(start).Seconds())
}
