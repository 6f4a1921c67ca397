// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

const namespace = "opendrs"

// Metrics holds the collectors the service updates per analysis run.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	Recommendations *prometheus.CounterVec
	ClustersSkipped prometheus.Counter
	Diagnostics     prometheus.Counter
	LastRunUnix     prometheus.Gauge
}

// New registers the collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Analysis runs by outcome.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_run_duration_seconds",
			Help:      "Wall-clock duration of analysis runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		Recommendations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Produced migration recommendations by reason.",
		}, []string{"reason"}),
		ClustersSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_skipped_total",
			Help:      "Clusters skipped because their snapshot failed validation.",
		}),
		Diagnostics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Diagnostics emitted during analysis.",
		}),
		LastRunUnix: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the most recent completed analysis run.",
		}),
	}
}

// ObserveRun records one finished analysis attempt.
func (m *Metrics) ObserveRun(result *domain.AnalysisResult, duration time.Duration, err error) {
	if err != nil {
		m.RunsTotal.WithLabelValues("error").Inc()
		return
	}

	m.RunsTotal.WithLabelValues("ok").Inc()
	m.RunDuration.Observe(duration.Seconds())
	m.LastRunUnix.SetToCurrentTime()

	for _, rec := range result.Recommendations {
		m.Recommendations.WithLabelValues(string(rec.Reason)).Inc()
	}
	m.ClustersSkipped.Add(float64(result.ClustersSkipped))
	m.Diagnostics.Add(float64(len(result.Diagnostics)))
}
