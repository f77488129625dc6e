package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlagent_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
		},
		[]string{"route"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_cache_lookups_total",
			Help: "Cache lookups by tier (question, query) and result (hit, miss, inconsistent).",
		},
		[]string{"tier", "result"},
	)
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_model_calls_total",
			Help: "Language model calls by status (ok, error, timeout).",
		},
		[]string{"status"},
	)
	modelCallDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_model_call_duration_seconds",
			Help:    "Language model call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)
	sqlValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_sql_validations_total",
			Help: "Validated SQL candidates by outcome (rows, no_rows, invalid, failed).",
		},
		[]string{"status"},
	)
	correctionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_corrections_total",
			Help: "Correction loop runs by outcome (clean, corrected, exhausted, invalid, model_error).",
		},
		[]string{"outcome"},
	)
	resolveDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlagent_resolve_duration_seconds",
			Help:    "End-to-end question resolution latency by outcome.",
			Buckets: []float64{0.005, 0.05, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlagent_cache_entries",
			Help: "Current number of cache entries per tier.",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		cacheLookupsTotal,
		modelCallsTotal,
		modelCallDurationSeconds,
		sqlValidationsTotal,
		correctionsTotal,
		resolveDurationSeconds,
		cacheEntries,
	)
}

func ObserveCacheLookup(tier, result string) {
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

func ObserveModelCall(status string, elapsed time.Duration) {
	modelCallsTotal.WithLabelValues(status).Inc()
	modelCallDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveValidation(status string) {
	sqlValidationsTotal.WithLabelValues(status).Inc()
}

func ObserveCorrection(outcome string) {
	correctionsTotal.WithLabelValues(outcome).Inc()
}

func ObserveResolve(outcome string, elapsed time.Duration) {
	resolveDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func SetCacheEntries(questions, queries int) {
	if questions < 0 {
		questions = 0
	}
	if queries < 0 {
		queries = 0
	}
	cacheEntries.WithLabelValues("question").Set(float64(questions))
	cacheEntries.WithLabelValues("query").Set(float64(queries))
}
