// Package metrics exposes generation counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records run metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	batchesTotal    *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	modelDuration   *prometheus.HistogramVec
	timelineBuild   *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	framesPerSecond prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the metrics under namespace with the default
// registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of model invocations",
		},
		[]string{"variant", "status"},
	)

	c.framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames generated",
		},
		[]string{"variant"},
	)

	c.modelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Model invocation duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"variant"},
	)

	c.timelineBuild = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timeline_build_duration_seconds",
			Help:      "Timeline build duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of runs",
		},
		[]string{"status"},
	)

	c.runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	c.framesPerSecond = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_per_second",
			Help:      "Generation throughput of the last finished run",
		},
	)

	return c
}

// RecordBatch records one model invocation over frames rows.
func (c *Collector) RecordBatch(variant string, frames int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.batchesTotal.WithLabelValues(variant, status).Inc()
	c.modelDuration.WithLabelValues(variant).Observe(duration.Seconds())
	if err == nil {
		c.framesTotal.WithLabelValues(variant).Add(float64(frames))
	}
}

// RecordTimelineBuild records how long a timeline build took.
func (c *Collector) RecordTimelineBuild(mode string, duration time.Duration) {
	if c == nil {
		return
	}
	c.timelineBuild.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRun records a finished run.
func (c *Collector) RecordRun(frames int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
	if err == nil && duration > 0 {
		c.framesPerSecond.Set(float64(frames) / duration.Seconds())
	}
	c.logger.Debug("run recorded", zap.String("status", status), zap.Int("frames", frames))
}
