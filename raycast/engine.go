// Package raycast renders a TSDF volume from a camera pose.
//
// A view is produced in stages that all read the volume and write only the
// RenderState:
//
//  1. FindVisibleBlocks selects the allocated blocks inside the frustum.
//  2. CreateExpectedDepths projects those blocks into a coarse per-tile
//     [near, far] depth-range image.
//  3. Raycast marches every pixel through its tile's range and refines the
//     first positive-to-negative zero crossing to sub-voxel precision.
//  4. ComputeNormals derives normals from the SDF gradient or from
//     neighbouring hits in image space.
//
// ForwardRender is the incremental alternative to step 3 for small camera
// motion: the previous hits are reprojected into the new view and only the
// pixels left empty are marched again.
package raycast

import (
	"sync/atomic"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/parallel"
)

// NormalSource selects how ComputeNormals derives normals.
type NormalSource uint8

const (
	// NormalsFromSDF uses the central-difference gradient of the
	// interpolated signed distance at each hit.
	NormalsFromSDF NormalSource = iota
	// NormalsFromImage uses central differences of neighbouring hit points
	// in screen space.
	NormalsFromImage
)

func (s NormalSource) String() string {
	if s == NormalsFromImage {
		return "image"
	}
	return "sdf"
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	exec    tsdf.Executor
	normals NormalSource
}

// WithExecutor sets the executor. The default is tsdf.DefaultExecutor.
func WithExecutor(e tsdf.Executor) Option {
	return func(o *options) {
		o.exec = e
	}
}

// WithNormalSource sets the normals Raycast and ForwardRender produce.
// The default is NormalsFromSDF.
func WithNormalSource(s NormalSource) Option {
	return func(o *options) {
		o.normals = s
	}
}

// Engine raycasts volumes of voxel type V. It owns scratch buffers sized to
// the last view, so one Engine must not be used concurrently.
type Engine[V tsdf.VoxelKind[V]] struct {
	opts options

	visible   *parallel.Bitset
	rangeMin  []atomic.Uint32
	rangeMax  []atomic.Uint32
	fragments []fragment
	fwdKeys   []atomic.Uint64
	contrib   []tsdf.Contribution
}

// NewEngine creates a raycast engine.
func NewEngine[V tsdf.VoxelKind[V]](opts ...Option) *Engine[V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = tsdf.DefaultExecutor()
	}
	return &Engine[V]{opts: o}
}

// NormalSource returns the configured normal source.
func (e *Engine[V]) NormalSource() NormalSource { return e.opts.normals }

// readers returns one sampler per channel of vol, in channel order.
func readers[V tsdf.VoxelKind[V]](vol *tsdf.Volume[V]) []*tsdf.Reader[V] {
	p := vol.Params()
	dirs := p.Directions()
	rs := make([]*tsdf.Reader[V], len(dirs))
	for i, d := range dirs {
		rs[i] = vol.NewReader(d)
	}
	return rs
}

func checkView(rs *tsdf.RenderState, in tsdf.Intrinsics) bool {
	return rs.Width == in.Width && rs.Height == in.Height
}
