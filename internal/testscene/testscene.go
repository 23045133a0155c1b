// Package testscene renders exact depth and colour frames of analytic
// shapes for tests and demos.
package testscene

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
)

// Shape is a surface a ray can hit.
type Shape interface {
	// Intersect returns the smallest t > 0 with origin + t*dir on the
	// surface.
	Intersect(origin, dir mgl32.Vec3) (float32, bool)
}

// Plane is an infinite plane through Point with normal Normal.
type Plane struct {
	Point  mgl32.Vec3
	Normal mgl32.Vec3
}

func (p Plane) Intersect(origin, dir mgl32.Vec3) (float32, bool) {
	den := p.Normal.Dot(dir)
	if math32.Abs(den) < 1e-9 {
		return 0, false
	}
	t := p.Point.Sub(origin).Dot(p.Normal) / den
	return t, t > 0
}

// Sphere is a sphere surface.
type Sphere struct {
	Centre mgl32.Vec3
	Radius float32
}

func (s Sphere) Intersect(origin, dir mgl32.Vec3) (float32, bool) {
	oc := origin.Sub(s.Centre)
	a := dir.Dot(dir)
	b := 2 * oc.Dot(dir)
	c := oc.Dot(oc) - s.Radius*s.Radius
	disc := b*b - 4*a*c
	if disc < 0 {
		return 0, false
	}
	sq := math32.Sqrt(disc)
	if t := (-b - sq) / (2 * a); t > 0 {
		return t, true
	}
	if t := (-b + sq) / (2 * a); t > 0 {
		return t, true
	}
	return 0, false
}

// Intrinsics returns a pinhole model with a roughly 53 degree horizontal
// field of view.
func Intrinsics(width, height int) tsdf.Intrinsics {
	f := float32(width)
	return tsdf.Intrinsics{
		Fx: f, Fy: f,
		Cx: float32(width-1) / 2, Cy: float32(height-1) / 2,
		Width: width, Height: height,
	}
}

// Depth renders the depth map of shapes seen from pose. Pixels that hit
// nothing are holes.
func Depth(in tsdf.Intrinsics, pose tsdf.Pose, shapes ...Shape) *tsdf.DepthImage {
	d := tsdf.NewDepthImage(in.Width, in.Height)
	origin := pose.Centre()
	for y := range in.Height {
		for x := range in.Width {
			// the camera-space ray has z = 1, so t is the depth
			dir := pose.RotateToWorld(in.BackProject(float32(x), float32(y), 1))
			best := math32.Inf(1)
			for _, s := range shapes {
				if t, ok := s.Intersect(origin, dir); ok && t < best {
					best = t
				}
			}
			if !math32.IsInf(best, 1) {
				d.Set(x, y, best)
			}
		}
	}
	return d
}

// Checker colours a world point with a 5 cm checkerboard.
func Checker(p mgl32.Vec3) color.RGBA {
	const cell = 0.05
	ix := int(math32.Floor(p[0]/cell)) + int(math32.Floor(p[1]/cell)) + int(math32.Floor(p[2]/cell))
	if ix&1 == 0 {
		return color.RGBA{R: 220, G: 60, B: 40, A: 255}
	}
	return color.RGBA{R: 40, G: 90, B: 220, A: 255}
}

// Frame renders a posed depth frame of shapes. With colour set, a
// registered checkerboard colour image is rendered too.
func Frame(in tsdf.Intrinsics, pose tsdf.Pose, colour bool, shapes ...Shape) *tsdf.Frame {
	f := &tsdf.Frame{
		Depth:           Depth(in, pose, shapes...),
		DepthIntrinsics: in,
		ColorIntrinsics: in,
		Pose:            pose,
	}
	if !colour {
		return f
	}
	img := image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))
	for y := range in.Height {
		for x := range in.Width {
			z := f.Depth.At(x, y)
			if z <= 0 {
				continue
			}
			img.SetRGBA(x, y, Checker(pose.CameraToWorld(in.BackProject(float32(x), float32(y), z))))
		}
	}
	f.Color = img
	return f
}

// Orbit returns n poses on a horizontal circle of the given radius around
// target, each looking at it.
func Orbit(n int, target mgl32.Vec3, radius, arc float32) []tsdf.Pose {
	poses := make([]tsdf.Pose, n)
	for i := range n {
		a := -arc/2 + arc*float32(i)/float32(max(n-1, 1))
		eye := target.Add(mgl32.Vec3{radius * math32.Sin(a), 0, -radius * math32.Cos(a)})
		poses[i] = tsdf.LookAt(eye, target, mgl32.Vec3{0, -1, 0})
	}
	return poses
}
