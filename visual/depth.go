package visual

import (
	"fmt"
	"image"
	"image/color"

	"github.com/chewxy/math32"

	"github.com/gogpu/tsdf"
)

// Jet maps t in [0, 1] to the classic blue-cyan-yellow-red colour ramp.
// Values outside the range are clamped.
func Jet(t float32) color.RGBA {
	t = min(max(t, 0), 1)
	ch := func(offset float32) uint8 {
		return toByte(1.5 - math32.Abs(4*t-offset))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

// RenderDepth colours a depth map with Jet between its nearest and farthest
// valid depths. Holes are Background; a map with a single depth value is
// neutral grey.
func RenderDepth(depth *tsdf.DepthImage, out *image.RGBA) error {
	if err := checkImage(out, depth.Width, depth.Height); err != nil {
		return err
	}
	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, d := range depth.Pix {
		if d > 0 {
			lo, hi = min(lo, d), max(hi, d)
		}
	}
	span := hi - lo
	for y := range depth.Height {
		for x := range depth.Width {
			d := depth.At(x, y)
			switch {
			case !(d > 0):
				setPixel(out, x, y, Background)
			case !(span > 0):
				setPixel(out, x, y, grey(0.5))
			default:
				setPixel(out, x, y, Jet((d-lo)/span))
			}
		}
	}
	return nil
}

// RenderTrackingError compares the depth frame with the raycast in rs,
// which must have been made from the frame's pose at its resolution. Each
// pixel shows the point-to-plane distance between the observed point and
// the model hit, mapped through Jet with maxError as the top of the scale.
// Pixels without a depth sample, hit or normal are Background.
func RenderTrackingError(out *image.RGBA, rs *tsdf.RenderState, f *tsdf.Frame, maxError float32) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("visual: %w", err)
	}
	if f.Depth.Width != rs.Width || f.Depth.Height != rs.Height {
		return fmt.Errorf("visual: %w: depth %dx%d, view %dx%d",
			tsdf.ErrSizeMismatch, f.Depth.Width, f.Depth.Height, rs.Width, rs.Height)
	}
	if err := checkImage(out, rs.Width, rs.Height); err != nil {
		return err
	}
	if !(maxError > 0) {
		return fmt.Errorf("visual: %w: max error %v", tsdf.ErrInvalidParams, maxError)
	}

	in := f.DepthIntrinsics
	for y := range rs.Height {
		for x := range rs.Width {
			i := y*rs.Width + x
			d := f.Depth.At(x, y)
			pt, n := rs.Points[i], rs.Normals[i]
			if !(d > 0) || pt[3] <= 0 || n[3] < 0 {
				setPixel(out, x, y, Background)
				continue
			}
			obs := f.Pose.CameraToWorld(in.BackProject(float32(x), float32(y), d))
			dist := math32.Abs(obs.Sub(pt.Vec3()).Dot(n.Vec3()))
			setPixel(out, x, y, Jet(dist/maxError))
		}
	}
	return nil
}
