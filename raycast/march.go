package raycast

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/parallel"
)

// Raycast marches every pixel of rs through its depth range and stores the
// first surface hit in rs.Points, then computes rs.Normals. FindVisibleBlocks
// and CreateExpectedDepths must have run for the same pose.
func (e *Engine[V]) Raycast(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) error {
	if !checkView(rs, in) {
		return fmt.Errorf("raycast: %w: view %dx%d, intrinsics %dx%d",
			tsdf.ErrSizeMismatch, rs.Width, rs.Height, in.Width, in.Height)
	}
	start := time.Now()

	grid := parallel.NewTileGrid(rs.Width, rs.Height, parallel.TileSize)
	e.opts.exec.For(grid.Len(), func(lo, hi int) {
		m := newMarcher(vol, pose, in)
		grid.ForEachPixel(lo, hi, func(x, y int) {
			m.castPixel(rs, x, y)
		})
	})

	rs.Pose = pose
	rs.Intrinsics = in
	rs.HasRaycast = true
	rs.MissingPoints = rs.MissingPoints[:0]
	instrumentStage("march", start)

	e.ComputeNormals(vol, rs, e.opts.normals)
	return nil
}

// marcher casts rays for one worker. It owns one reader per channel.
type marcher[V tsdf.VoxelKind[V]] struct {
	p        tsdf.SceneParams
	pose     tsdf.Pose
	in       tsdf.Intrinsics
	readers  []*tsdf.Reader[V]
	invVoxel float32
}

func newMarcher[V tsdf.VoxelKind[V]](vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics) *marcher[V] {
	p := vol.Params()
	return &marcher[V]{
		p:        p,
		pose:     pose,
		in:       in,
		readers:  readers(vol),
		invVoxel: 1 / p.VoxelSize,
	}
}

// castPixel writes the hit and direction contributions of pixel (x, y).
func (m *marcher[V]) castPixel(rs *tsdf.RenderState, x, y int) {
	i := y*rs.Width + x
	rs.Points[i] = mgl32.Vec4{}
	rs.Contributions[i] = tsdf.Contribution{}

	rng := rs.RangeAt(x, y)
	if !(rng[0] < rng[1]) {
		return
	}
	u, v := float32(x), float32(y)
	if !m.p.Directional {
		if p, _, ok := m.castRay(m.readers[0], u, v, rng[0], rng[1]); ok {
			rs.Points[i] = p.Vec4(1)
		}
		return
	}
	p, c, ok := m.castDirectional(u, v, rng[0], rng[1])
	if ok {
		rs.Points[i] = p.Vec4(1)
		rs.Contributions[i] = c
	}
}

// castRay marches pixel (u, v) from depth zMin to zMax through channel r.
// It returns the world-space hit and its distance from the ray start in
// voxels.
func (m *marcher[V]) castRay(r *tsdf.Reader[V], u, v, zMin, zMax float32) (mgl32.Vec3, float32, bool) {
	d := m.in.BackProject(u, v, 1)
	start := tsdf.WorldToVoxel(m.pose.CameraToWorld(d.Mul(zMin)), m.p.VoxelSize)
	end := tsdf.WorldToVoxel(m.pose.CameraToWorld(d.Mul(zMax)), m.p.VoxelSize)
	ray := end.Sub(start)
	length := ray.Len()
	if !(length > 0) || !isFinite(length) {
		return mgl32.Vec3{}, 0, false
	}
	ray = ray.Mul(1 / length)

	var prevT, prevS float32
	positive := false
	for t := float32(0); t <= length; {
		pt := start.Add(ray.Mul(t))
		if !r.BlockAllocated(pt) {
			positive = false
			t += tsdf.BlockSize
			continue
		}
		s, ok := r.SDF(pt)
		switch {
		case !ok:
			// unobserved voxels inside an allocated block
			positive = false
			t++
		case s < 0:
			if positive {
				t = m.refine(r, start, ray, prevT, prevS, t, s)
				return tsdf.VoxelToWorld(start.Add(ray.Mul(t)), m.p.VoxelSize), t, true
			}
			t++
		default:
			positive = true
			prevT, prevS = t, s
			t += max(s*m.invVoxel, 1)
		}
	}
	return mgl32.Vec3{}, 0, false
}

// refine locates the zero crossing between a positive sample (t0, s0) and a
// negative one (t1, s1): a secant estimate followed by one regula falsi
// step on the interpolated distance there.
func (m *marcher[V]) refine(r *tsdf.Reader[V], start, ray mgl32.Vec3, t0, s0, t1, s1 float32) float32 {
	t := t0 + (t1-t0)*s0/(s0-s1)
	s, ok := r.SDF(start.Add(ray.Mul(t)))
	switch {
	case !ok || s == 0:
		return t
	case s > 0:
		t = t + (t1-t)*s/(s-s1)
	default:
		t = t0 + (t-t0)*s0/(s0-s)
	}
	return min(max(t, t0), t1)
}

// castDirectional marches every channel and blends the hits lying within
// the truncation band of the nearest one, each weighted by how well its
// surface normal agrees with the channel axis.
func (m *marcher[V]) castDirectional(u, v, zMin, zMax float32) (mgl32.Vec3, tsdf.Contribution, bool) {
	type channelHit struct {
		p  mgl32.Vec3
		t  float32
		ok bool
	}
	var hits [tsdf.NumDirections]channelHit
	nearest, nearestC := math32.Inf(1), -1
	for c, r := range m.readers {
		p, t, ok := m.castRay(r, u, v, zMin, zMax)
		hits[c] = channelHit{p, t, ok}
		if ok && t < nearest {
			nearest, nearestC = t, c
		}
	}
	var contrib tsdf.Contribution
	if nearestC < 0 {
		return mgl32.Vec3{}, contrib, false
	}

	band := m.p.Mu * m.invVoxel
	var sum mgl32.Vec3
	var wsum float32
	for c, h := range hits {
		if !h.ok || h.t > nearest+band {
			continue
		}
		n, ok := m.readers[c].Gradient(tsdf.WorldToVoxel(h.p, m.p.VoxelSize))
		if !ok {
			continue
		}
		w := tsdf.DirectionWeight(tsdf.AngleBetween(n, tsdf.AllDirections[c].Vector()), m.p.DirectionAngle)
		if w <= 0 {
			continue
		}
		contrib[c] = w
		sum = sum.Add(h.p.Mul(w))
		wsum += w
	}
	if wsum <= 0 {
		contrib[nearestC] = 1
		return hits[nearestC].p, contrib, true
	}
	for c := range contrib {
		contrib[c] /= wsum
	}
	return sum.Mul(1 / wsum), contrib, true
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
