package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors mirror the OTel instruments for deployments that
// scrape instead of running an OTLP collector.
var (
	promHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querybridge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Served HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	promHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querybridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	promQueryExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querybridge",
		Subsystem: "query",
		Name:      "executions_total",
		Help:      "Query executions by data source and outcome.",
	}, []string{"data_source", "outcome", "cached"})

	promQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querybridge",
		Subsystem: "query",
		Name:      "execution_duration_seconds",
		Help:      "End-to-end query execution latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"data_source"})

	promCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querybridge",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Result cache hits, misses and invalidations.",
	}, []string{"event"})

	promActiveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "querybridge",
		Subsystem: "query",
		Name:      "active",
		Help:      "Executions currently in flight.",
	})
)

// ObserveHTTPRequest feeds the Prometheus HTTP collectors
func ObserveHTTPRequest(method, route, status string, seconds float64) {
	promHTTPRequests.WithLabelValues(method, route, status).Inc()
	promHTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// ObserveQueryExecution feeds the Prometheus query collectors
func ObserveQueryExecution(dataSource, outcome string, cached bool, seconds float64) {
	c := "false"
	if cached {
		c = "true"
	}
	promQueryExecutions.WithLabelValues(dataSource, outcome, c).Inc()
	promQueryDuration.WithLabelValues(dataSource).Observe(seconds)
}

// ObserveCacheEvent feeds the Prometheus cache collector
func ObserveCacheEvent(event string) {
	promCacheEvents.WithLabelValues(event).Inc()
}

// QueryStarted and QueryFinished maintain the in-flight gauge
func QueryStarted()  { promActiveQueries.Inc() }
func QueryFinished() { promActiveQueries.Dec() }

// MetricsHandler returns the Prometheus scrape handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
