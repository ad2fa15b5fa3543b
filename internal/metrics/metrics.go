// Package metrics exposes batch and outcome counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workledger"

// Recorder implements core.Recorder on top of Prometheus collectors.
type Recorder struct {
	gatherer prometheus.Gatherer

	outcomes      *prometheus.CounterVec
	batches       *prometheus.CounterVec
	attempted     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
}

// New registers the collectors on reg; a nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_outcomes_total",
			Help:      "Work item outcomes by pipeline and outcome kind",
		}, []string{"pipeline", "outcome"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches run, by whether they were cut by a rate limit",
		}, []string{"pipeline", "rate_limited"}),
		attempted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_attempted_total",
			Help:      "Items whose result was committed",
		}, []string{"pipeline"}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch including commit",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"pipeline"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Batch loops finished, by stop reason",
		}, []string{"pipeline", "stop_reason"}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs whose batch loop is active in this process",
		}),
	}
}

func (r *Recorder) ObserveOutcome(pipeline, outcome string) {
	r.outcomes.WithLabelValues(pipeline, outcome).Inc()
}

func (r *Recorder) ObserveBatch(pipeline string, attempted int, rateLimited bool, d time.Duration) {
	rl := "false"
	if rateLimited {
		rl = "true"
	}
	r.batches.WithLabelValues(pipeline, rl).Inc()
	r.attempted.WithLabelValues(pipeline).Add(float64(attempted))
	r.batchDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

// ObserveRun counts a finished batch loop.
func (r *Recorder) ObserveRun(pipeline, stopReason string) {
	r.runs.WithLabelValues(pipeline, stopReason).Inc()
}

// SetJobsRunning reports how many job loops are active.
func (r *Recorder) SetJobsRunning(n int) {
	r.jobsRunning.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
