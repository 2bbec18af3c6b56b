// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/flyingrobots/census-ingest/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_jobs_started_total",
        Help: "Total number of ingestion jobs started by a worker",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_jobs_completed_total",
        Help: "Total number of successfully completed ingestion jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_jobs_failed_total",
        Help: "Total number of terminally failed ingestion jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_jobs_retried_total",
        Help: "Total number of job retries re-admitted to pending",
    })
    APICallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_api_calls_total",
        Help: "Total number of external statistical-service calls issued",
    })
    RecordsLoadedTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_records_loaded_total",
        Help: "Total number of records persisted to the analytic store",
    })
    RecordsErroredTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_records_errored_total",
        Help: "Total number of response rows that failed transform or validation",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "census_job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "census_queue_depth",
        Help: "Current number of pending ingestion jobs",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "census_circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    JobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "census_jobs_recovered_total",
        Help: "Total number of jobs re-admitted from the crash-recovery journal",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "census_worker_active",
        Help: "Number of active worker goroutines",
    })
    HealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "census_health_score",
        Help: "Current SystemHealth score in [0,100]",
    })
    BudgetUsed = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "census_budget_used",
        Help: "External calls used within the current reset window",
    })
)

func init() {
    prometheus.MustRegister(JobsStarted, JobsCompleted, JobsFailed, JobsRetried, APICallsTotal, RecordsLoadedTotal, RecordsErroredTotal, JobProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips, JobsRecovered, WorkerActive, HealthScore, BudgetUsed)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
