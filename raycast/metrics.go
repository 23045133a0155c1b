package raycast

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const stageLabel = "stage"

var (
	raycastLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsdf_raycast_duration_seconds",
		Help:    "The time spent in each raycasting stage.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{
		stageLabel,
	})

	raycastMissingPoints = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsdf_raycast_missing_points",
		Help:    "Pixels re-marched by forward rendering.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 8),
	})
)

func instrumentStage(stage string, start time.Time) {
	raycastLatency.With(prometheus.Labels{
		stageLabel: stage,
	}).Observe(time.Since(start).Seconds())
}

func instrumentMissingPoints(n int) {
	raycastMissingPoints.Observe(float64(n))
}
