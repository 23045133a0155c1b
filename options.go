package tsdf

import "github.com/google/uuid"

// Option configures a Volume during creation.
//
// Example:
//
//	vol, err := tsdf.NewVolume[tsdf.Voxel](tsdf.DefaultSceneParams(),
//	    tsdf.WithBlockCapacity(1<<16),
//	    tsdf.WithCompression(true))
type Option func(*volumeOptions)

type volumeOptions struct {
	blocks   int
	buckets  int
	excess   int
	compress bool
	id       uuid.UUID
}

func defaultVolumeOptions() volumeOptions {
	return volumeOptions{
		blocks:  0x4000,
		buckets: 0x20000,
		excess:  0x8000,
	}
}

// WithBlockCapacity sets the number of blocks the pool can hold.
func WithBlockCapacity(n int) Option {
	return func(o *volumeOptions) {
		o.blocks = n
	}
}

// WithBucketCount sets the number of hash buckets. It must be a power of two.
func WithBucketCount(n int) Option {
	return func(o *volumeOptions) {
		o.buckets = n
	}
}

// WithExcessCount sets the size of the hash overflow region.
func WithExcessCount(n int) Option {
	return func(o *volumeOptions) {
		o.excess = n
	}
}

// WithCompression makes Save write zstd-compressed payloads.
func WithCompression(on bool) Option {
	return func(o *volumeOptions) {
		o.compress = on
	}
}

// WithSceneID sets the volume identifier instead of a random one.
func WithSceneID(id uuid.UUID) Option {
	return func(o *volumeOptions) {
		o.id = id
	}
}
