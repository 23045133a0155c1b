package raycast

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
)

var invalidNormal = mgl32.Vec4{0, 0, 0, -1}

// ComputeNormals fills rs.Normals for the hits in rs.Points. Pixels without
// a hit, or whose normal cannot be estimated, get W = -1.
func (e *Engine[V]) ComputeNormals(vol *tsdf.Volume[V], rs *tsdf.RenderState, src NormalSource) {
	defer instrumentStage("normals", time.Now())

	if src == NormalsFromImage {
		flip := rs.Intrinsics.FocalLengthSignsDiffer()
		e.opts.exec.For(rs.Height, func(lo, hi int) {
			for y := lo; y < hi; y++ {
				for x := range rs.Width {
					rs.Normals[y*rs.Width+x] = imageNormal(rs, x, y, flip)
				}
			}
		})
		return
	}

	p := vol.Params()
	e.opts.exec.For(rs.Height, func(lo, hi int) {
		rd := readers(vol)
		for y := lo; y < hi; y++ {
			for x := range rs.Width {
				i := y*rs.Width + x
				rs.Normals[i] = sdfNormal(rd, rs.Points[i], rs.Contributions[i], &p)
			}
		}
	})
}

// sdfNormal is the SDF gradient at a hit. For directional volumes the
// channel gradients are blended by the hit's contributions.
func sdfNormal[V tsdf.VoxelKind[V]](rd []*tsdf.Reader[V], point mgl32.Vec4, c tsdf.Contribution, p *tsdf.SceneParams) mgl32.Vec4 {
	if point[3] <= 0 {
		return invalidNormal
	}
	pv := tsdf.WorldToVoxel(point.Vec3(), p.VoxelSize)
	if !p.Directional {
		n, ok := rd[0].Gradient(pv)
		if !ok {
			return invalidNormal
		}
		return n.Vec4(1)
	}

	var sum mgl32.Vec3
	for ch, w := range c {
		if w <= 0 {
			continue
		}
		if n, ok := rd[ch].Gradient(pv); ok {
			sum = sum.Add(n.Mul(w))
		}
	}
	l := sum.Len()
	if !(l > 1e-6) {
		return invalidNormal
	}
	return sum.Mul(1 / l).Vec4(1)
}

// imageNormal is the cross product of the vertical and horizontal central
// differences of neighbouring hits. All four neighbours must be hits.
func imageNormal(rs *tsdf.RenderState, x, y int, flip bool) mgl32.Vec4 {
	w := rs.Width
	if x < 1 || y < 1 || x >= w-1 || y >= rs.Height-1 {
		return invalidNormal
	}
	i := y*w + x
	l, r := rs.Points[i-1], rs.Points[i+1]
	u, b := rs.Points[i-w], rs.Points[i+w]
	if rs.Points[i][3] <= 0 || l[3] <= 0 || r[3] <= 0 || u[3] <= 0 || b[3] <= 0 {
		return invalidNormal
	}

	dx := r.Vec3().Sub(l.Vec3())
	dy := b.Vec3().Sub(u.Vec3())
	n := dy.Cross(dx)
	length := n.Len()
	if !(length > 1e-12) {
		return invalidNormal
	}
	n = n.Mul(1 / length)
	if flip {
		n = n.Mul(-1)
	}
	return n.Vec4(1)
}
