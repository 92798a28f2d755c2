package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the system.
//
// All recording helpers are nil-safe so components can run without metrics
// (tests, one-shot CLI invocations).
type Metrics struct {
	// Core numerics
	Solves       *prometheus.CounterVec // kind: ndfd, flux, eventrate, gauss
	CacheLookups *prometheus.CounterVec // cache: match, osc, prism; result: hit, miss
	Warnings     *prometheus.CounterVec // source
	Predictions  prometheus.Counter

	// Prediction server
	RequestsTotal  *prometheus.CounterVec // status
	RateLimited    prometheus.Counter
	PredictLatency prometheus.Histogram
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Solves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prism_solves_total",
				Help: "Number of linear solves performed, by kind",
			},
			[]string{"kind"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prism_cache_lookups_total",
				Help: "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		Warnings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prism_numeric_warnings_total",
				Help: "Warned-but-continued numeric conditions, by source",
			},
			[]string{"source"},
		),
		Predictions: f.NewCounter(prometheus.CounterOpts{
			Name: "prism_predictions_total",
			Help: "Number of PRISM predictions composed (cache misses included, hits excluded)",
		}),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prism_http_requests_total",
				Help: "Prediction server requests by status code",
			},
			[]string{"status"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "prism_http_rate_limited_total",
			Help: "Requests rejected by the token bucket",
		}),
		PredictLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "prism_predict_latency_seconds",
			Help:    "Latency of prediction requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process metrics registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// Solve records one solve of the given kind.
func (m *Metrics) Solve(kind string) {
	if m == nil {
		return
	}
	m.Solves.WithLabelValues(kind).Inc()
}

// Lookup records a cache hit or miss.
func (m *Metrics) Lookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

// Warn records a warned-but-continued condition.
func (m *Metrics) Warn(source string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(source).Inc()
}

// Predicted records one composed prediction.
func (m *Metrics) Predicted() {
	if m == nil {
		return
	}
	m.Predictions.Inc()
}
