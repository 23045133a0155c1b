// Package fusion integrates posed depth frames into a TSDF volume.
//
// Integration runs in two passes. The allocation pass walks the truncation
// band around every depth sample in block units and inserts the touched
// blocks into the volume's hash index. The update pass then visits every
// voxel of every visible block once and folds the new observation into it
// with a weighted running average.
package fusion

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/parallel"
)

// Stats describes the last integrated frame.
type Stats struct {
	VisibleBlocks int
	Inserted      int
	Dropped       int
	Accelerated   bool
	Duration      time.Duration
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	exec        tsdf.Executor
	accelerator bool
}

// WithExecutor sets the executor used for both passes. The default is
// tsdf.DefaultExecutor.
func WithExecutor(e tsdf.Executor) Option {
	return func(o *options) {
		o.exec = e
	}
}

// WithAccelerator enables or disables the registered accelerator for the
// update pass. Enabled by default.
func WithAccelerator(on bool) Option {
	return func(o *options) {
		o.accelerator = on
	}
}

// Engine integrates frames into volumes of voxel type V. An Engine keeps
// per-view scratch buffers and the previous frame's visible set, so it must
// not be used from several goroutines at once.
type Engine[V tsdf.VoxelKind[V]] struct {
	opts options

	normals     []mgl32.Vec4
	visible     *parallel.Bitset
	prevVisible []int32
	lastVolume  *tsdf.Volume[V]
	slots       []int32

	stats Stats
}

// NewEngine creates a fusion engine.
func NewEngine[V tsdf.VoxelKind[V]](opts ...Option) *Engine[V] {
	o := options{accelerator: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = tsdf.DefaultExecutor()
	}
	return &Engine[V]{opts: o}
}

// Stats returns statistics of the last Integrate call.
func (e *Engine[V]) Stats() Stats { return e.stats }

// Normals returns the camera-space depth normals of the last frame.
func (e *Engine[V]) Normals() []mgl32.Vec4 { return e.normals }

// ResetVisibility forgets the blocks seen in previous frames. Call it after
// resetting or reloading the volume.
func (e *Engine[V]) ResetVisibility() {
	e.prevVisible = e.prevVisible[:0]
	e.lastVolume = nil
}

// Integrate fuses f into vol. The slots of all blocks visible in this frame
// are stored in rs (when rs is not nil) and kept for the next frame.
func (e *Engine[V]) Integrate(vol *tsdf.Volume[V], f *tsdf.Frame, rs *tsdf.RenderState) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("fusion: %w", err)
	}
	start := time.Now()
	params := vol.Params()

	e.prepare(vol, f)

	t := time.Now()
	DepthNormals(f.Depth, f.DepthIntrinsics, e.normals, e.opts.exec)
	instrumentStage("normals", t)

	t = time.Now()
	inserted, dropped := e.allocate(vol, f, &params)
	e.slots = e.visible.AppendTo(e.slots[:0])
	instrumentStage("allocate", t)

	t = time.Now()
	backend, accelerated := e.updateAccelerated(vol, f, &params)
	if !accelerated {
		backend = "cpu"
		e.update(vol, f, &params)
	}
	instrumentStage("update", t)

	e.prevVisible = append(e.prevVisible[:0], e.slots...)
	if rs != nil {
		rs.SetVisibleBlocks(e.slots)
	}

	instrumentFrame(backend, len(e.slots))

	e.stats = Stats{
		VisibleBlocks: len(e.slots),
		Inserted:      inserted,
		Dropped:       dropped,
		Accelerated:   accelerated,
		Duration:      time.Since(start),
	}
	tsdf.Logger().Debug("fusion: frame integrated",
		"visible", e.stats.VisibleBlocks,
		"inserted", inserted,
		"dropped", dropped,
		"backend", backend,
		"duration", e.stats.Duration)
	return nil
}

func (e *Engine[V]) prepare(vol *tsdf.Volume[V], f *tsdf.Frame) {
	n := f.Depth.Width * f.Depth.Height
	if len(e.normals) != n {
		e.normals = make([]mgl32.Vec4, n)
	}
	capacity := vol.Pool().Capacity()
	if e.visible == nil || e.visible.Len() != capacity {
		e.visible = parallel.NewBitset(capacity)
	} else {
		e.visible.Clear()
	}
	if vol != e.lastVolume {
		e.prevVisible = e.prevVisible[:0]
		e.lastVolume = vol
	}
}

// allocate runs the visibility/allocation pass and marks every visible slot.
func (e *Engine[V]) allocate(vol *tsdf.Volume[V], f *tsdf.Frame, p *tsdf.SceneParams) (inserted, dropped int) {
	var nInserted, nDropped atomic.Int64
	depth := f.Depth
	dirs := p.Directions()
	voxelScale := 1 / p.VoxelSize

	e.opts.exec.For(depth.Height, func(lo, hi int) {
		seen := make(map[tsdf.BlockKey]struct{}, 256)
		var localInserted, localDropped int64
		for y := lo; y < hi; y++ {
			for x := range depth.Width {
				d := depth.At(x, y)
				if !(d >= p.ViewFrustumMin && d <= p.ViewFrustumMax) {
					continue
				}

				var weights tsdf.Contribution
				if p.Directional {
					n := e.normals[y*depth.Width+x]
					if n[3] < 0 {
						continue
					}
					weights = tsdf.DirectionWeights(f.Pose.RotateToWorld(n.Vec3()), p.DirectionAngle)
				}

				ray := f.DepthIntrinsics.BackProject(float32(x), float32(y), 1)
				// segment in voxel units, walked in half-block steps
				a := f.Pose.CameraToWorld(ray.Mul(d - p.Mu)).Mul(voxelScale)
				b := f.Pose.CameraToWorld(ray.Mul(d + p.Mu)).Mul(voxelScale)
				seg := b.Sub(a)
				steps := max(int(2*seg.Len()/tsdf.BlockSize+0.999), 1)
				step := seg.Mul(1 / float32(steps))

				for s := 0; s <= steps; s++ {
					c := tsdf.BlockOfPoint(a.Add(step.Mul(float32(s))))
					for _, dir := range dirs {
						if dir != tsdf.DirectionNone && weights[dir] <= 0 {
							continue
						}
						key := tsdf.BlockKey{Coord: c, Dir: dir}
						if _, dup := seen[key]; dup {
							continue
						}
						seen[key] = struct{}{}
						slot, status := vol.Allocate(key)
						switch {
						case status == tsdf.AllocInserted:
							localInserted++
						case status.Dropped():
							localDropped++
							continue
						}
						e.visible.Set(int(slot))
					}
				}
			}
			// bound the dedup set; keys repeat mostly between neighbouring rows
			if len(seen) > 1<<14 {
				clear(seen)
			}
		}
		nInserted.Add(localInserted)
		nDropped.Add(localDropped)
	})

	// blocks seen last frame that still project into the view stay visible
	e.opts.exec.For(len(e.prevVisible), func(lo, hi int) {
		for _, slot := range e.prevVisible[lo:hi] {
			if e.visible.Test(int(slot)) {
				continue
			}
			if tsdf.BlockInView(vol.KeyOf(slot).Coord, f.Pose, f.DepthIntrinsics, p) {
				e.visible.Set(int(slot))
			}
		}
	})

	return int(nInserted.Load()), int(nDropped.Load())
}

// update runs the per-voxel update on the CPU. Each block belongs to exactly
// one range, so every voxel has a single writer.
func (e *Engine[V]) update(vol *tsdf.Volume[V], f *tsdf.Frame, p *tsdf.SceneParams) {
	withColor := f.Color != nil && vol.Layout().Color
	e.opts.exec.For(len(e.slots), func(lo, hi int) {
		for _, slot := range e.slots[lo:hi] {
			integrateBlock(vol.Block(slot), vol.KeyOf(slot), f, e.normals, p, withColor)
		}
	})
}

func integrateBlock[V tsdf.VoxelKind[V]](block []V, key tsdf.BlockKey, f *tsdf.Frame, normals []mgl32.Vec4, p *tsdf.SceneParams, withColor bool) {
	ox, oy, oz := key.Coord.Origin()
	depth := f.Depth
	in := f.DepthIntrinsics
	axis := key.Dir.Vector()

	for i := range block {
		lx, ly, lz := tsdf.LocalCoord(i)
		world := mgl32.Vec3{float32(ox + lx), float32(oy + ly), float32(oz + lz)}.Mul(p.VoxelSize)
		pc := f.Pose.WorldToCamera(world)
		u, v, ok := in.Project(pc)
		if !ok || !in.Contains(u, v) {
			continue
		}
		px, py := int(u+0.5), int(v+0.5)
		d := depth.At(px, py)
		if !(d > 0) {
			continue
		}
		sdf := d - pc[2]
		if sdf > p.Mu || sdf < -p.Mu {
			continue
		}
		n := normals[py*depth.Width+px]
		if n[3] < 0 {
			continue
		}

		dirWeight := float32(1)
		if key.Dir != tsdf.DirectionNone {
			dirWeight = tsdf.DirectionWeight(tsdf.AngleBetween(f.Pose.RotateToWorld(n.Vec3()), axis), p.DirectionAngle)
		}
		w := tsdf.FusionWeight(d, n.Vec3(), pc.Normalize(), dirWeight, p)
		if !(w > 0) {
			continue
		}

		obs := tsdf.Observation{SDF: sdf, Weight: w}
		if withColor {
			obs.R, obs.G, obs.B, obs.HasColor = f.ColorAt(world)
		}
		block[i] = block[i].Fuse(obs, p)
	}
}

// updateAccelerated hands the update pass to the registered accelerator
// when it supports the volume. It reports the accelerator name and whether
// the pass ran there.
func (e *Engine[V]) updateAccelerated(vol *tsdf.Volume[V], f *tsdf.Frame, p *tsdf.SceneParams) (string, bool) {
	if !e.opts.accelerator || p.Directional || len(e.slots) == 0 {
		return "", false
	}
	a := tsdf.RegisteredAccelerator()
	if a == nil || !a.CanAccelerate(tsdf.AccelIntegrate) {
		return "", false
	}
	voxels, ok := any(vol.Pool().Voxels()).([]tsdf.Voxel)
	if !ok {
		return "", false
	}

	coords := make([]tsdf.BlockCoord, len(e.slots))
	for i, slot := range e.slots {
		coords[i] = vol.KeyOf(slot).Coord
	}
	err := a.Integrate(&tsdf.IntegrationBatch{
		Voxels:        voxels,
		Slots:         e.slots,
		Coords:        coords,
		Depth:         f.Depth,
		Normals:       e.normals,
		Intrinsics:    f.DepthIntrinsics,
		WorldToCamera: f.Pose.M,
		Params:        *p,
	})
	if err != nil {
		if !errors.Is(err, tsdf.ErrFallbackToCPU) {
			tsdf.Logger().Warn("fusion: accelerator failed, using CPU", "accelerator", a.Name(), "err", err)
		}
		return "", false
	}
	return a.Name(), true
}
