package tsdf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonLabel = "reason"
	opLabel     = "op"
)

var (
	blocksAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsdf_blocks_allocated_total",
		Help: "The number of voxel blocks allocated in any volume.",
	})

	allocationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsdf_allocations_dropped_total",
		Help: "Block allocation requests dropped because the hash table or block pool was full.",
	}, []string{
		reasonLabel,
	})

	volumeResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsdf_volume_resets_total",
		Help: "The number of full volume resets.",
	})

	persistLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "tsdf_persist_duration_seconds",
		Help: "The time to save or load a volume.",
	}, []string{
		opLabel,
	})
)

func instrumentBlockAllocated() {
	blocksAllocated.Inc()
}

func instrumentAllocationDropped(status AllocStatus) {
	allocationsDropped.
		With(prometheus.Labels{
			reasonLabel: status.String(),
		}).
		Inc()
}

func instrumentVolumeReset() {
	volumeResets.Inc()
}

func instrumentPersistLatency(op string, start time.Time) {
	persistLatency.With(prometheus.Labels{
		opLabel: op,
	}).Observe(time.Since(start).Seconds())
}
