package visual

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/raycast"
)

// RenderMode selects how RenderImage colours a hit.
type RenderMode uint8

const (
	// RenderShaded is Lambertian greyscale from SDF-gradient normals.
	RenderShaded RenderMode = iota
	// RenderShadedImageNormals is Lambertian greyscale from image-space
	// normals.
	RenderShadedImageNormals
	// RenderColourFromVolume samples the fused colour. Volumes without
	// colour render as RenderShaded.
	RenderColourFromVolume
	// RenderColourFromNormal maps the world-space normal to RGB.
	RenderColourFromNormal
	// RenderConfidence tints the shaded surface by the accumulated weight.
	RenderConfidence
)

var renderModeNames = [...]string{"shaded", "shaded_image_normals", "colour_volume", "colour_normal", "confidence"}

func (m RenderMode) String() string {
	if int(m) < len(renderModeNames) {
		return renderModeNames[m]
	}
	return fmt.Sprintf("RenderMode(%d)", m)
}

// RenderImage shades the raycast stored in rs into out, which must have the
// size of rs. The light sits at the camera the raycast was made from.
func (e *Engine[V]) RenderImage(vol *tsdf.Volume[V], rs *tsdf.RenderState, out *image.RGBA, mode RenderMode) error {
	if err := checkImage(out, rs.Width, rs.Height); err != nil {
		return err
	}
	if int(mode) >= len(renderModeNames) {
		return fmt.Errorf("visual: unknown render mode %d", mode)
	}
	defer instrumentRender(mode.String(), time.Now())

	if mode == RenderColourFromVolume && !vol.Layout().Color {
		mode = RenderShaded
	}
	src := raycast.NormalsFromSDF
	if mode == RenderShadedImageNormals {
		src = raycast.NormalsFromImage
	}
	e.normals(vol, rs, src)

	p := vol.Params()
	eye := rs.Pose.Centre()
	e.opts.exec.For(rs.Height, func(lo, hi int) {
		var rd []*tsdf.Reader[V]
		if mode == RenderColourFromVolume || mode == RenderConfidence {
			rd = channelReaders(vol)
		}
		for y := lo; y < hi; y++ {
			for x := range rs.Width {
				i := y*rs.Width + x
				pt, n := rs.Points[i], rs.Normals[i]
				if pt[3] <= 0 {
					setPixel(out, x, y, Background)
					continue
				}
				var c color.RGBA
				switch mode {
				case RenderShaded, RenderShadedImageNormals:
					c = grey(lambert(pt.Vec3(), n, eye))
				case RenderColourFromNormal:
					c = normalColour(n)
				case RenderColourFromVolume:
					c = volumeColour(rd, pt.Vec3(), rs.Contributions[i], &p)
				case RenderConfidence:
					c = confidenceColour(rd, pt.Vec3(), rs.Contributions[i], n, eye, &p)
				}
				setPixel(out, x, y, c)
			}
		}
	})
	return nil
}

func channelReaders[V tsdf.VoxelKind[V]](vol *tsdf.Volume[V]) []*tsdf.Reader[V] {
	p := vol.Params()
	dirs := p.Directions()
	rd := make([]*tsdf.Reader[V], len(dirs))
	for i, d := range dirs {
		rd[i] = vol.NewReader(d)
	}
	return rd
}

// lambert returns (0.8*cos + 0.2) for a light at eye, or the ambient term
// alone for an invalid normal.
func lambert(pt mgl32.Vec3, n mgl32.Vec4, eye mgl32.Vec3) float32 {
	if n[3] < 0 {
		return 0.2
	}
	l := eye.Sub(pt)
	d := l.Len()
	if !(d > 0) {
		return 0.2
	}
	cos := max(n.Vec3().Dot(l.Mul(1/d)), 0)
	return 0.8*cos + 0.2
}

func grey(intensity float32) color.RGBA {
	v := toByte(intensity)
	return color.RGBA{R: v, G: v, B: v, A: 255}
}

func normalColour(n mgl32.Vec4) color.RGBA {
	if n[3] < 0 {
		return grey(0.5)
	}
	return color.RGBA{
		R: toByte(n[0]*0.5 + 0.5),
		G: toByte(n[1]*0.5 + 0.5),
		B: toByte(n[2]*0.5 + 0.5),
		A: 255,
	}
}

// volumeColour samples the fused colour, blending the channels of a
// directional volume by the hit's contributions.
func volumeColour[V tsdf.VoxelKind[V]](rd []*tsdf.Reader[V], pt mgl32.Vec3, c tsdf.Contribution, p *tsdf.SceneParams) color.RGBA {
	pv := tsdf.WorldToVoxel(pt, p.VoxelSize)
	if !p.Directional {
		col, ok := rd[0].Colour(pv)
		if !ok {
			return grey(0.5)
		}
		return rgb(col)
	}
	var sum mgl32.Vec3
	var wsum float32
	for ch, w := range c {
		if w <= 0 {
			continue
		}
		if col, ok := rd[ch].Colour(pv); ok {
			sum = sum.Add(col.Mul(w))
			wsum += w
		}
	}
	if wsum <= 0 {
		return grey(0.5)
	}
	return rgb(sum.Mul(1 / wsum))
}

func confidenceColour[V tsdf.VoxelKind[V]](rd []*tsdf.Reader[V], pt mgl32.Vec3, c tsdf.Contribution, n mgl32.Vec4, eye mgl32.Vec3, p *tsdf.SceneParams) color.RGBA {
	pv := tsdf.WorldToVoxel(pt, p.VoxelSize)
	var conf float32
	if !p.Directional {
		conf, _ = rd[0].Confidence(pv)
	} else {
		for ch, w := range c {
			if w <= 0 {
				continue
			}
			if v, ok := rd[ch].Confidence(pv); ok {
				conf += v * w
			}
		}
	}
	tint := Jet(conf / p.MaxWeight)
	shade := lambert(pt, n, eye)
	return color.RGBA{
		R: toByte(float32(tint.R) / 255 * shade),
		G: toByte(float32(tint.G) / 255 * shade),
		B: toByte(float32(tint.B) / 255 * shade),
		A: 255,
	}
}

func rgb(c mgl32.Vec3) color.RGBA {
	return color.RGBA{R: toByte(c[0]), G: toByte(c[1]), B: toByte(c[2]), A: 255}
}

// toByte maps [0, 1] to [0, 255], clamping and rounding.
func toByte(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
