package raycast

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
)

const emptyKey = math.MaxUint64

// ForwardRender updates the raycast in rs for a new pose by reprojecting the
// previous hits and re-marching only the pixels left empty whose depth range
// is not empty. It returns the number of re-marched pixels, which are also
// listed in rs.MissingPoints in pixel order. FindVisibleBlocks and
// CreateExpectedDepths must have run for pose. Without a previous raycast in
// rs it falls back to Raycast and reports every pixel as missing.
func (e *Engine[V]) ForwardRender(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) (int, error) {
	if !checkView(rs, in) {
		return 0, fmt.Errorf("raycast: %w: view %dx%d, intrinsics %dx%d",
			tsdf.ErrSizeMismatch, rs.Width, rs.Height, in.Width, in.Height)
	}
	if !rs.HasRaycast {
		if err := e.Raycast(vol, pose, in, rs); err != nil {
			return 0, err
		}
		n := rs.Width * rs.Height
		instrumentMissingPoints(n)
		return n, nil
	}
	start := time.Now()

	p := vol.Params()
	n := rs.Width * rs.Height
	if len(e.fwdKeys) != n {
		e.fwdKeys = make([]atomic.Uint64, n)
		e.contrib = make([]tsdf.Contribution, n)
	}
	e.opts.exec.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			e.fwdKeys[i].Store(emptyKey)
		}
	})

	// splat the previous hits; the nearest point wins each pixel and equal
	// depths resolve to the lower source index
	e.opts.exec.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			pt := rs.Points[i]
			if pt[3] <= 0 {
				continue
			}
			pc := pose.WorldToCamera(pt.Vec3())
			if pc[2] < p.ViewFrustumMin || pc[2] > p.ViewFrustumMax {
				continue
			}
			u, v, ok := in.Project(pc)
			if !ok {
				continue
			}
			x, y := int(math32.Floor(u+0.5)), int(math32.Floor(v+0.5))
			if x < 0 || y < 0 || x >= rs.Width || y >= rs.Height {
				continue
			}
			key := uint64(math.Float32bits(pc[2]))<<32 | uint64(i)
			atomicMinU64(&e.fwdKeys[y*rs.Width+x], key)
		}
	})

	e.opts.exec.For(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			key := e.fwdKeys[i].Load()
			if key == emptyKey {
				rs.ForwardProjection[i] = mgl32.Vec4{}
				e.contrib[i] = tsdf.Contribution{}
				continue
			}
			src := uint32(key)
			rs.ForwardProjection[i] = rs.Points[src]
			e.contrib[i] = rs.Contributions[src]
		}
	})

	rs.MissingPoints = rs.MissingPoints[:0]
	for y := range rs.Height {
		for x := range rs.Width {
			i := y*rs.Width + x
			if rng := rs.RangeAt(x, y); e.fwdKeys[i].Load() == emptyKey && rng[0] < rng[1] {
				rs.MissingPoints = append(rs.MissingPoints, int32(i))
			}
		}
	}

	rs.Points, rs.ForwardProjection = rs.ForwardProjection, rs.Points
	rs.Contributions, e.contrib = e.contrib, rs.Contributions

	missing := rs.MissingPoints
	e.opts.exec.For(len(missing), func(lo, hi int) {
		m := newMarcher(vol, pose, in)
		for _, i := range missing[lo:hi] {
			m.castPixel(rs, int(i)%rs.Width, int(i)/rs.Width)
		}
	})

	rs.Pose = pose
	rs.Intrinsics = in
	rs.HasRaycast = true
	instrumentStage("forward", start)
	instrumentMissingPoints(len(missing))

	e.ComputeNormals(vol, rs, e.opts.normals)
	return len(missing), nil
}

func atomicMinU64(a *atomic.Uint64, v uint64) {
	for {
		old := a.Load()
		if v >= old || a.CompareAndSwap(old, v) {
			return
		}
	}
}
