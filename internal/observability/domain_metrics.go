package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_turns_total",
			Help: "Conversation turns by outcome (delivered, failed, abandoned).",
		},
		[]string{"outcome"},
	)
	generationLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querychat_generation_latency_seconds",
			Help:    "Time spent waiting for the language model per turn.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"provider"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_query_executions_total",
			Help: "Executed generated queries by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)
	queryExecutionMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querychat_query_execution_ms",
			Help:    "Execution time reported by the engine adapters in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"engine"},
	)
	schemaCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_schema_cache_total",
			Help: "Schema context lookups by result (redis_hit, db_hit, miss).",
		},
		[]string{"result"},
	)
	droppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querychat_dropped_events_total",
			Help: "Events dropped because a viewer fell behind.",
		},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querychat_jobs_total",
			Help: "Async turn jobs handled by the worker, by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		generationLatencySeconds,
		queryExecutionsTotal,
		queryExecutionMs,
		schemaCacheTotal,
		droppedEventsTotal,
		jobsTotal,
	)
}

func ObserveTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGeneration(provider string, elapsed time.Duration) {
	generationLatencySeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveQueryExecution counts one execution; executionMs is only recorded
// for successful runs.
func ObserveQueryExecution(engine string, ok bool, executionMs int64) {
	outcome := "error"
	if ok {
		outcome = "ok"
		queryExecutionMs.WithLabelValues(engine).Observe(float64(executionMs))
	}
	queryExecutionsTotal.WithLabelValues(engine, outcome).Inc()
}

func ObserveSchemaCache(result string) {
	schemaCacheTotal.WithLabelValues(result).Inc()
}

func IncrementDroppedEvents() {
	droppedEventsTotal.Inc()
}

func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}
