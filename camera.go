package tsdf

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Intrinsics is a pinhole camera model. Image coordinates are in pixels with
// the origin at the top-left pixel centre.
type Intrinsics struct {
	Fx, Fy float32
	Cx, Cy float32
	Width  int
	Height int
}

// Project maps a camera-space point to pixel coordinates. ok is false for
// points at or behind the image plane.
func (in Intrinsics) Project(p mgl32.Vec3) (u, v float32, ok bool) {
	if p[2] <= 0 {
		return 0, 0, false
	}
	return in.Fx*p[0]/p[2] + in.Cx, in.Fy*p[1]/p[2] + in.Cy, true
}

// BackProject returns the camera-space point at depth z along pixel (u, v).
func (in Intrinsics) BackProject(u, v, z float32) mgl32.Vec3 {
	return mgl32.Vec3{z * (u - in.Cx) / in.Fx, z * (v - in.Cy) / in.Fy, z}
}

// Contains reports whether pixel coordinates lie inside the image.
func (in Intrinsics) Contains(u, v float32) bool {
	return u >= 0 && v >= 0 && u <= float32(in.Width-1) && v <= float32(in.Height-1)
}

// FocalLengthSignsDiffer reports whether Fx and Fy have opposite signs, in
// which case image-space normals must be flipped.
func (in Intrinsics) FocalLengthSignsDiffer() bool {
	return (in.Fx > 0) != (in.Fy > 0)
}

// Pose is a rigid transform from world to camera coordinates together with
// its inverse.
type Pose struct {
	M    mgl32.Mat4 // world -> camera
	InvM mgl32.Mat4 // camera -> world
}

// IdentityPose places the camera at the world origin looking along +Z.
func IdentityPose() Pose {
	return Pose{M: mgl32.Ident4(), InvM: mgl32.Ident4()}
}

// NewPose builds a pose from a world-to-camera matrix.
func NewPose(m mgl32.Mat4) Pose {
	return Pose{M: m, InvM: m.Inv()}
}

// PoseFromCameraToWorld builds a pose from a camera-to-world matrix.
func PoseFromCameraToWorld(inv mgl32.Mat4) Pose {
	return Pose{M: inv.Inv(), InvM: inv}
}

// PoseFromParams builds a 6-DoF pose from a translation and a rotation
// vector (axis scaled by angle in radians), both world-to-camera.
func PoseFromParams(tx, ty, tz, rx, ry, rz float32) Pose {
	r := mgl32.Vec3{rx, ry, rz}
	rot := mgl32.Ident4()
	if angle := r.Len(); angle > 1e-9 {
		rot = mgl32.HomogRotate3D(angle, r.Mul(1/angle))
	}
	return NewPose(mgl32.Translate3D(tx, ty, tz).Mul4(rot))
}

// PoseFromQuat builds a 7-DoF pose from a translation and a rotation
// quaternion, both world-to-camera.
func PoseFromQuat(t mgl32.Vec3, q mgl32.Quat) Pose {
	return NewPose(mgl32.Translate3D(t[0], t[1], t[2]).Mul4(q.Normalize().Mat4()))
}

// LookAt builds the pose of a camera at eye looking at centre. The camera
// looks along +Z with +Y pointing down the image.
func LookAt(eye, centre, up mgl32.Vec3) Pose {
	f := centre.Sub(eye).Normalize()
	s := f.Cross(up).Normalize()
	d := f.Cross(s)
	inv := mgl32.Mat4{
		s[0], s[1], s[2], 0,
		d[0], d[1], d[2], 0,
		f[0], f[1], f[2], 0,
		eye[0], eye[1], eye[2], 1,
	}
	return PoseFromCameraToWorld(inv)
}

// WorldToCamera transforms a world point into camera coordinates.
func (p Pose) WorldToCamera(w mgl32.Vec3) mgl32.Vec3 {
	return mgl32.TransformCoordinate(w, p.M)
}

// CameraToWorld transforms a camera point into world coordinates.
func (p Pose) CameraToWorld(c mgl32.Vec3) mgl32.Vec3 {
	return mgl32.TransformCoordinate(c, p.InvM)
}

// RotateToWorld rotates a camera-space direction into world space.
func (p Pose) RotateToWorld(d mgl32.Vec3) mgl32.Vec3 {
	return mgl32.TransformNormal(d, p.InvM)
}

// RotateToCamera rotates a world-space direction into camera space.
func (p Pose) RotateToCamera(d mgl32.Vec3) mgl32.Vec3 {
	return mgl32.TransformNormal(d, p.M)
}

// Centre returns the camera position in world coordinates.
func (p Pose) Centre() mgl32.Vec3 {
	return p.InvM.Col(3).Vec3()
}

// DepthImage is a float depth map in metres. Non-positive values are holes.
type DepthImage struct {
	Width, Height int
	Pix           []float32
}

// NewDepthImage allocates a zero (all holes) depth map.
func NewDepthImage(width, height int) *DepthImage {
	return &DepthImage{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// At returns the depth at (x, y), or 0 outside the image.
func (d *DepthImage) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Pix[y*d.Width+x]
}

// Set stores a depth value.
func (d *DepthImage) Set(x, y int, z float32) {
	d.Pix[y*d.Width+x] = z
}

// Sample returns the nearest-neighbour depth at sub-pixel coordinates.
func (d *DepthImage) Sample(u, v float32) float32 {
	return d.At(int(u+0.5), int(v+0.5))
}

// Frame is one posed observation.
type Frame struct {
	Depth           *DepthImage
	Color           *image.RGBA // optional, registered by DepthToColor
	DepthIntrinsics Intrinsics
	ColorIntrinsics Intrinsics
	DepthToColor    mgl32.Mat4 // zero value means the cameras coincide
	Pose            Pose       // world -> depth camera
}

// Validate checks that the images match their intrinsics.
func (f *Frame) Validate() error {
	if f.Depth == nil {
		return fmt.Errorf("%w: missing depth image", ErrSizeMismatch)
	}
	if f.Depth.Width != f.DepthIntrinsics.Width || f.Depth.Height != f.DepthIntrinsics.Height ||
		len(f.Depth.Pix) != f.Depth.Width*f.Depth.Height {
		return fmt.Errorf("%w: depth %dx%d, intrinsics %dx%d", ErrSizeMismatch,
			f.Depth.Width, f.Depth.Height, f.DepthIntrinsics.Width, f.DepthIntrinsics.Height)
	}
	if f.Color != nil {
		b := f.Color.Bounds()
		if b.Dx() != f.ColorIntrinsics.Width || b.Dy() != f.ColorIntrinsics.Height {
			return fmt.Errorf("%w: colour %dx%d, intrinsics %dx%d", ErrSizeMismatch,
				b.Dx(), b.Dy(), f.ColorIntrinsics.Width, f.ColorIntrinsics.Height)
		}
	}
	return nil
}

// ColorAt projects a world point into the colour image and returns the
// pixel colour there.
func (f *Frame) ColorAt(world mgl32.Vec3) (r, g, b uint8, ok bool) {
	if f.Color == nil {
		return 0, 0, 0, false
	}
	c := f.Pose.WorldToCamera(world)
	if f.DepthToColor != (mgl32.Mat4{}) {
		c = mgl32.TransformCoordinate(c, f.DepthToColor)
	}
	u, v, ok := f.ColorIntrinsics.Project(c)
	if !ok || !f.ColorIntrinsics.Contains(u, v) {
		return 0, 0, 0, false
	}
	px := f.Color.RGBAAt(f.Color.Rect.Min.X+int(u+0.5), f.Color.Rect.Min.Y+int(v+0.5))
	return px.R, px.G, px.B, true
}

func isFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
