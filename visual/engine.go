// Package visual turns raycast results into images and into the point maps
// consumed by camera trackers.
//
// An Engine wraps a raycast.Engine. FindSurface runs the full raycasting
// pipeline for a view; RenderImage then shades the stored hits in one of
// several modes. Every operation reads the volume and never modifies it.
//
//	ve := visual.NewEngine[tsdf.Voxel]()
//	if err := ve.FindSurface(vol, pose, intrinsics, rs); err != nil {
//	    return err
//	}
//	img := image.NewRGBA(image.Rect(0, 0, rs.Width, rs.Height))
//	err := ve.RenderImage(vol, rs, img, visual.RenderShaded)
package visual

import (
	"fmt"
	"image"
	"image/color"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/raycast"
)

// Background is the colour of pixels without a surface.
var Background = color.RGBA{A: 255}

// Option configures an Engine.
type Option func(*options)

type options struct {
	exec    tsdf.Executor
	normals raycast.NormalSource
}

// WithExecutor sets the executor for raycasting and shading. The default is
// tsdf.DefaultExecutor.
func WithExecutor(e tsdf.Executor) Option {
	return func(o *options) {
		o.exec = e
	}
}

// WithNormalSource sets the normals FindSurface stores in the render state.
func WithNormalSource(s raycast.NormalSource) Option {
	return func(o *options) {
		o.normals = s
	}
}

// Engine renders volumes of voxel type V. It must not be used concurrently.
type Engine[V tsdf.VoxelKind[V]] struct {
	opts options
	ray  *raycast.Engine[V]

	// which render state currently holds normals from which source
	normalsOf  *tsdf.RenderState
	normalsSrc raycast.NormalSource
}

// NewEngine creates a visualisation engine.
func NewEngine[V tsdf.VoxelKind[V]](opts ...Option) *Engine[V] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = tsdf.DefaultExecutor()
	}
	return &Engine[V]{
		opts: o,
		ray:  raycast.NewEngine[V](raycast.WithExecutor(o.exec), raycast.WithNormalSource(o.normals)),
	}
}

// Raycaster returns the underlying raycast engine.
func (e *Engine[V]) Raycaster() *raycast.Engine[V] { return e.ray }

// FindSurface selects the visible blocks, estimates the depth ranges and
// raycasts the view into rs.
func (e *Engine[V]) FindSurface(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) error {
	if err := e.prepareView(vol, pose, in, rs); err != nil {
		return err
	}
	if err := e.ray.Raycast(vol, pose, in, rs); err != nil {
		return err
	}
	e.normalsOf, e.normalsSrc = rs, e.ray.NormalSource()
	return nil
}

// ForwardRender is FindSurface for small camera motion: it reuses the
// previous raycast in rs and re-marches only the pixels it cannot fill.
// It returns the number of re-marched pixels.
func (e *Engine[V]) ForwardRender(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) (int, error) {
	if err := e.prepareView(vol, pose, in, rs); err != nil {
		return 0, err
	}
	n, err := e.ray.ForwardRender(vol, pose, in, rs)
	if err != nil {
		return 0, err
	}
	e.normalsOf, e.normalsSrc = rs, e.ray.NormalSource()
	return n, nil
}

func (e *Engine[V]) prepareView(vol *tsdf.Volume[V], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) error {
	e.ray.FindVisibleBlocks(vol, pose, in, rs)
	return e.ray.CreateExpectedDepths(vol, pose, in, rs)
}

// normals makes sure rs.Normals come from src.
func (e *Engine[V]) normals(vol *tsdf.Volume[V], rs *tsdf.RenderState, src raycast.NormalSource) {
	if e.normalsOf == rs && e.normalsSrc == src {
		return
	}
	e.ray.ComputeNormals(vol, rs, src)
	e.normalsOf, e.normalsSrc = rs, src
}

func checkImage(out *image.RGBA, w, h int) error {
	if out == nil {
		return fmt.Errorf("visual: %w: nil image", tsdf.ErrSizeMismatch)
	}
	if b := out.Bounds(); b.Dx() != w || b.Dy() != h {
		return fmt.Errorf("visual: %w: image %dx%d, view %dx%d", tsdf.ErrSizeMismatch, b.Dx(), b.Dy(), w, h)
	}
	return nil
}

// setPixel writes c at image pixel (x, y) relative to the image origin.
func setPixel(out *image.RGBA, x, y int, c color.RGBA) {
	i := out.PixOffset(out.Rect.Min.X+x, out.Rect.Min.Y+y)
	out.Pix[i+0] = c.R
	out.Pix[i+1] = c.G
	out.Pix[i+2] = c.B
	out.Pix[i+3] = c.A
}
