package visual

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	modeLabel = "mode"

	renderICP        = "icp_maps"
	renderPointCloud = "point_cloud"
)

var renderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tsdf_render_duration_seconds",
	Help:    "The time spent producing images and tracker inputs.",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{
	modeLabel,
})

func instrumentRender(mode string, start time.Time) {
	renderLatency.With(prometheus.Labels{
		modeLabel: mode,
	}).Observe(time.Since(start).Seconds())
}
