// Package metrics holds the prometheus collectors for KuzuGate.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the query pipeline and connection pool.
var (
	QueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kuzugate_queries_total",
		Help: "Cumulative number of queries received.",
	})
	QueryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kuzugate_query_errors_total",
		Help: "Cumulative number of failed queries, by error kind.",
	}, []string{"kind"})
	QueryDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kuzugate_query_duration_seconds",
		Help:    "Distribution of end-to-end query handling time.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	QueryRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kuzugate_query_retries_total",
		Help: "Cumulative number of query retry attempts in the pool.",
	})
	CrashesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kuzugate_crashes_total",
		Help: "Cumulative number of crash records written.",
	})
	PoolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kuzugate_pool_connections",
		Help: "Current pool connection counts, by state (total, active, idle).",
	}, []string{"state"})
	DatabaseAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kuzugate_database_available",
		Help: "Whether the backing database is currently available (1) or not (0).",
	})
)

func init() {
	prometheus.MustRegister(
		QueriesTotal,
		QueryErrorsTotal,
		QueryDurationSeconds,
		QueryRetriesTotal,
		CrashesTotal,
		PoolConnections,
		DatabaseAvailable,
	)
}
