package perf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus mirrors of the in-memory buffers. The
// buffers drive baselines and flush reports; the histograms serve
// scrape-based dashboards.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	StageOutcomes *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	APIDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the engine metrics with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "krai_engine"
	}
	factory := promauto.With(reg)

	return &Metrics{
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stage executions in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),

		StageOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_outcomes_total",
				Help:      "Total stage executions by outcome",
			},
			[]string{"stage", "outcome"},
		),

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Duration of database queries in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"query"},
		),

		APIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_api_duration_seconds",
				Help:      "Duration of external service calls in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
	}
}
