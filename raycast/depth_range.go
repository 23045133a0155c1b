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

// RenderingBlockSize is the maximum edge, in depth-range pixels, of one
// projected block fragment.
const RenderingBlockSize = 16

// fragment is a screen-space rectangle of the depth-range image, inclusive
// bounds, with the depth interval of the block that produced it.
type fragment struct {
	x0, y0, x1, y1 int
	zMin, zMax     float32
}

// CreateExpectedDepths fills rs.DepthRange from the visible blocks in rs.
// Tiles no block projects into keep the empty range [far, near].
func (e *Engine[V]) CreateExpectedDepths(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) error {
	if !checkView(rs, in) {
		return fmt.Errorf("raycast: %w: view %dx%d, intrinsics %dx%d",
			tsdf.ErrSizeMismatch, rs.Width, rs.Height, in.Width, in.Height)
	}
	defer instrumentStage("expected_depths", time.Now())

	p := vol.Params()
	n := rs.RangeWidth * rs.RangeHeight
	if len(e.rangeMin) != n {
		e.rangeMin = make([]atomic.Uint32, n)
		e.rangeMax = make([]atomic.Uint32, n)
	}
	far := math.Float32bits(p.ViewFrustumMax)
	near := math.Float32bits(p.ViewFrustumMin)
	for i := range n {
		e.rangeMin[i].Store(far)
		e.rangeMax[i].Store(near)
	}

	e.fragments = e.projectBlocks(vol, pose, in, rs, &p, e.fragments[:0])

	e.opts.exec.For(len(e.fragments), func(lo, hi int) {
		for _, f := range e.fragments[lo:hi] {
			zMin, zMax := math.Float32bits(f.zMin), math.Float32bits(f.zMax)
			for y := f.y0; y <= f.y1; y++ {
				for x := f.x0; x <= f.x1; x++ {
					i := y*rs.RangeWidth + x
					atomicMinU32(&e.rangeMin[i], zMin)
					atomicMaxU32(&e.rangeMax[i], zMax)
				}
			}
		}
	})

	for i := range n {
		rs.DepthRange[i] = mgl32.Vec2{
			math.Float32frombits(e.rangeMin[i].Load()),
			math.Float32frombits(e.rangeMax[i].Load()),
		}
	}
	return nil
}

// projectBlocks splits the screen footprint of every visible block into
// fragments of at most RenderingBlockSize^2 range pixels. The output order
// follows the visible-block order.
func (e *Engine[V]) projectBlocks(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState, p *tsdf.SceneParams, out []fragment) []fragment {
	visible := rs.VisibleBlocks()
	perBlock := make([][]fragment, len(visible))

	e.opts.exec.For(len(visible), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x0, y0, x1, y1, zMin, zMax, ok := projectBlock(vol.KeyOf(visible[i]).Coord, pose, in, rs, p)
			if !ok {
				continue
			}
			var frags []fragment
			for fy := y0; fy <= y1; fy += RenderingBlockSize {
				for fx := x0; fx <= x1; fx += RenderingBlockSize {
					frags = append(frags, fragment{
						x0: fx, y0: fy,
						x1:   min(fx+RenderingBlockSize-1, x1),
						y1:   min(fy+RenderingBlockSize-1, y1),
						zMin: zMin, zMax: zMax,
					})
				}
			}
			perBlock[i] = frags
		}
	})

	for _, frags := range perBlock {
		out = append(out, frags...)
	}
	return out
}

// projectBlock returns the inclusive depth-range pixel rectangle and depth
// interval covered by block c.
func projectBlock(c tsdf.BlockCoord, pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState, p *tsdf.SceneParams) (x0, y0, x1, y1 int, zMin, zMax float32, ok bool) {
	minU, minV := math32.Inf(1), math32.Inf(1)
	maxU, maxV := math32.Inf(-1), math32.Inf(-1)
	zMin, zMax = math32.Inf(1), math32.Inf(-1)
	behind := false
	for _, w := range tsdf.BlockCorners(c, p) {
		pc := pose.WorldToCamera(w)
		zMin = min(zMin, pc[2])
		zMax = max(zMax, pc[2])
		u, v, front := in.Project(pc)
		if !front {
			behind = true
			continue
		}
		minU, maxU = min(minU, u), max(maxU, u)
		minV, maxV = min(minV, v), max(maxV, v)
	}
	if zMax <= 0 {
		return 0, 0, 0, 0, 0, 0, false
	}

	const sub = float32(tsdf.RangeSubsample)
	if behind {
		// the block straddles the image plane; cover the whole view
		x0, y0, x1, y1 = 0, 0, rs.RangeWidth-1, rs.RangeHeight-1
	} else {
		x0 = max(rangeCell(minU/sub, rs.RangeWidth), 0)
		y0 = max(rangeCell(minV/sub, rs.RangeHeight), 0)
		x1 = min(rangeCell(maxU/sub, rs.RangeWidth), rs.RangeWidth-1)
		y1 = min(rangeCell(maxV/sub, rs.RangeHeight), rs.RangeHeight-1)
	}
	if x0 > x1 || y0 > y1 {
		return 0, 0, 0, 0, 0, 0, false
	}

	zMin = max(zMin, p.ViewFrustumMin)
	zMax = min(zMax, p.ViewFrustumMax)
	if zMin > zMax {
		return 0, 0, 0, 0, 0, 0, false
	}
	return x0, y0, x1, y1, zMin, zMax, true
}

// rangeCell floors v and clamps it to [-1, n] before the integer conversion.
func rangeCell(v float32, n int) int {
	return int(math32.Floor(max(min(v, float32(n)), -1)))
}

// Positive IEEE-754 floats order like their bit patterns, so depth min/max
// reduce to unsigned integer min/max.

func atomicMinU32(a *atomic.Uint32, v uint32) {
	for {
		old := a.Load()
		if v >= old || a.CompareAndSwap(old, v) {
			return
		}
	}
}

func atomicMaxU32(a *atomic.Uint32, v uint32) {
	for {
		old := a.Load()
		if v <= old || a.CompareAndSwap(old, v) {
			return
		}
	}
}
