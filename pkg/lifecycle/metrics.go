package lifecycle

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mprengine/pkg/reconstruction"
)

// Metrics holds the collectors updated by a Manager
type Metrics struct {
	Builds        *prometheus.CounterVec
	BuildDuration prometheus.Histogram
	Samples       *prometheus.CounterVec
	SampleLatency *prometheus.HistogramVec
	LiveBytes     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Builds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "builds_total",
			Help:      "Volume builds by result.",
		}, []string{"result"}),
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mpr",
			Name:      "build_duration_seconds",
			Help:      "Duration of successful volume builds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpr",
			Name:      "samples_total",
			Help:      "Plane samples by orientation and cache outcome.",
		}, []string{"orientation", "cache"}),
		SampleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mpr",
			Name:      "sample_duration_seconds",
			Help:      "Latency of plane samples including cache lookup.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"method"}),
		LiveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mpr",
			Name:      "live_volume_bytes",
			Help:      "Size of the voxel buffer currently held.",
		}),
	}
}

// buildResult maps a build error to its label value
func buildResult(err error) string {
	if err == nil {
		return "ok"
	}
	var be *reconstruction.BuildError
	if errors.As(err, &be) {
		return strings.ReplaceAll(be.Kind.String(), " ", "_")
	}
	return "error"
}
