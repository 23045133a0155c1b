package tsdf

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// BlockCorners returns the eight world-space corners of block c.
func BlockCorners(c BlockCoord, p *SceneParams) [8]mgl32.Vec3 {
	ext := p.BlockExtent()
	o := mgl32.Vec3{float32(c.X) * ext, float32(c.Y) * ext, float32(c.Z) * ext}
	var out [8]mgl32.Vec3
	for i := range out {
		out[i] = o.Add(mgl32.Vec3{
			float32(i&1) * ext,
			float32((i>>1)&1) * ext,
			float32(i>>2) * ext,
		})
	}
	return out
}

// BlockInView reports whether any part of block c may be seen by a camera
// with the given pose and intrinsics within the view frustum depth range.
// The test is conservative: it projects the corners and checks the bounding
// rectangle against the image, padded by one block extent in depth.
func BlockInView(c BlockCoord, pose Pose, in Intrinsics, p *SceneParams) bool {
	ext := p.BlockExtent()
	minU, minV := math32.Inf(1), math32.Inf(1)
	maxU, maxV := math32.Inf(-1), math32.Inf(-1)
	minZ, maxZ := math32.Inf(1), math32.Inf(-1)
	front := 0
	for _, w := range BlockCorners(c, p) {
		pc := pose.WorldToCamera(w)
		minZ = min(minZ, pc[2])
		maxZ = max(maxZ, pc[2])
		u, v, ok := in.Project(pc)
		if !ok {
			continue
		}
		front++
		minU, maxU = min(minU, u), max(maxU, u)
		minV, maxV = min(minV, v), max(maxV, v)
	}
	if maxZ < p.ViewFrustumMin-ext || minZ > p.ViewFrustumMax+ext {
		return false
	}
	if front == 0 {
		return false
	}
	if front < 8 {
		// straddles the image plane
		return true
	}
	return maxU >= 0 && maxV >= 0 && minU <= float32(in.Width-1) && minV <= float32(in.Height-1)
}
