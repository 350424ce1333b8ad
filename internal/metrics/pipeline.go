// Package metrics provides Prometheus metrics for the snap pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains all Prometheus metrics of the upload and
// classification pipeline.
type PipelineMetrics struct {
	Uploads          *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	ClassifyAttempts *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
	SkippedClaims    prometheus.Counter
}

// NewPipelineMetrics creates the pipeline metrics and registers them.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdsnap_uploads_total",
		Help: "Total number of snap uploads by result.",
	}, []string{"result"})

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdsnap_status_transitions_total",
		Help: "Total number of snap status transitions by target status.",
	}, []string{"status"})

	m.ClassifyAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdsnap_classify_attempts_total",
		Help: "Total number of classifier calls by result.",
	}, []string{"result"})

	m.ClassifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdsnap_classify_duration_seconds",
		Help:    "Duration of classifier calls in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdsnap_classify_queue_depth",
		Help: "Number of snaps waiting for a classification worker.",
	})

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdsnap_classify_in_flight",
		Help: "Number of classifications currently running.",
	})

	m.SkippedClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsnap_classify_skipped_claims_total",
		Help: "Number of process attempts skipped because the snap was already claimed.",
	})
}

// RecordUpload counts an upload outcome such as "ok", "bad_file_type" or "unknown_device".
func (m *PipelineMetrics) RecordUpload(result string) {
	m.Uploads.WithLabelValues(result).Inc()
}

// RecordTransition counts a committed transition into status.
func (m *PipelineMetrics) RecordTransition(status string) {
	m.Transitions.WithLabelValues(status).Inc()
}

// ObserveClassify records one classifier call.
func (m *PipelineMetrics) ObserveClassify(success bool, durationSeconds float64) {
	result := "error"
	if success {
		result = "success"
	}
	m.ClassifyAttempts.WithLabelValues(result).Inc()
	m.ClassifyDuration.Observe(durationSeconds)
}

// RecordSkippedClaim counts a process call that lost the claim race.
func (m *PipelineMetrics) RecordSkippedClaim() {
	m.SkippedClaims.Inc()
}

// SetQueueDepth implements worker.Observer.
func (m *PipelineMetrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetInFlight implements worker.Observer.
func (m *PipelineMetrics) SetInFlight(n int) {
	m.InFlight.Set(float64(n))
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Uploads.Collect(ch)
	m.Transitions.Collect(ch)
	m.ClassifyAttempts.Collect(ch)
	ch <- m.ClassifyDuration
	ch <- m.QueueDepth
	ch <- m.InFlight
	ch <- m.SkippedClaims
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Uploads.Describe(ch)
	m.Transitions.Describe(ch)
	m.ClassifyAttempts.Describe(ch)
	ch <- m.ClassifyDuration.Desc()
	ch <- m.QueueDepth.Desc()
	ch <- m.InFlight.Desc()
	ch <- m.SkippedClaims.Desc()
}
