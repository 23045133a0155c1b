package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeLabel = "outcome"

	outcomeOK             = "ok"
	outcomeTrackingFailed = "tracking_failed"
	outcomeError          = "error"
)

var (
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsdf_pipeline_frames_total",
		Help: "The number of frames handed to the pipeline.",
	}, []string{
		outcomeLabel,
	})

	frameLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsdf_pipeline_frame_duration_seconds",
		Help:    "The time spent processing one frame end to end.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func instrumentFrame(outcome string, start time.Time) {
	framesProcessed.With(prometheus.Labels{
		outcomeLabel: outcome,
	}).Inc()
	frameLatency.Observe(time.Since(start).Seconds())
}
