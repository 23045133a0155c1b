package fusion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	stageLabel   = "stage"
	backendLabel = "backend"
)

var (
	fusionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsdf_fusion_duration_seconds",
		Help:    "The time spent in each fusion stage.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{
		stageLabel,
	})

	fusionVisibleBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsdf_fusion_visible_blocks",
		Help: "The number of blocks updated by the last fused frame.",
	})

	fusionFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsdf_fusion_frames_total",
		Help: "The number of fused frames per update backend.",
	}, []string{
		backendLabel,
	})
)

func instrumentStage(stage string, start time.Time) {
	fusionLatency.With(prometheus.Labels{
		stageLabel: stage,
	}).Observe(time.Since(start).Seconds())
}

func instrumentFrame(backend string, visible int) {
	fusionFrames.With(prometheus.Labels{
		backendLabel: backend,
	}).Inc()
	fusionVisibleBlocks.Set(float64(visible))
}
