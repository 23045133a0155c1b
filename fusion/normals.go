package fusion

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
)

// maxDepthJump is the relative depth difference between neighbours above
// which they are treated as lying on different surfaces.
const maxDepthJump = 0.05

// DepthNormals computes a camera-space normal per depth pixel from central
// differences of the back-projected neighbours. Normals face the camera.
// Pixels at the border, at holes or across depth discontinuities get
// W = -1. out must hold Width*Height entries.
func DepthNormals(depth *tsdf.DepthImage, in tsdf.Intrinsics, out []mgl32.Vec4, exec tsdf.Executor) {
	w, h := depth.Width, depth.Height
	exec.For(h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			for x := range w {
				out[y*w+x] = depthNormal(depth, in, x, y)
			}
		}
	})
}

var invalidNormal = mgl32.Vec4{0, 0, 0, -1}

func depthNormal(depth *tsdf.DepthImage, in tsdf.Intrinsics, x, y int) mgl32.Vec4 {
	if x < 1 || y < 1 || x >= depth.Width-1 || y >= depth.Height-1 {
		return invalidNormal
	}
	d := depth.At(x, y)
	l, r := depth.At(x-1, y), depth.At(x+1, y)
	u, b := depth.At(x, y-1), depth.At(x, y+1)
	if !(d > 0 && l > 0 && r > 0 && u > 0 && b > 0) {
		return invalidNormal
	}
	for _, n := range [4]float32{l, r, u, b} {
		if math32.Abs(n-d) > maxDepthJump*d {
			return invalidNormal
		}
	}

	dx := in.BackProject(float32(x+1), float32(y), r).Sub(in.BackProject(float32(x-1), float32(y), l))
	dy := in.BackProject(float32(x), float32(y+1), b).Sub(in.BackProject(float32(x), float32(y-1), u))
	n := dy.Cross(dx)
	length := n.Len()
	if !(length > 1e-12) {
		return invalidNormal
	}
	n = n.Mul(1 / length)

	// face the camera regardless of the focal length signs
	p := in.BackProject(float32(x), float32(y), d)
	if n.Dot(p) > 0 {
		n = n.Mul(-1)
	}
	return n.Vec4(1)
}
