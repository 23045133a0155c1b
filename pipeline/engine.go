// Package pipeline drives per-frame reconstruction: optional tracking
// against the model, fusion of the frame and a raycast of the model from
// the new pose for the next frame's tracker.
//
// Frames are processed synchronously. A tracking failure skips fusion for
// that frame only; later frames are processed normally.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/fusion"
	"github.com/gogpu/tsdf/visual"
)

// ErrTrackingFailed is reported in FrameResult.Err when the tracker loses
// the camera. The frame is not fused.
var ErrTrackingFailed = errors.New("pipeline: tracking failed")

// TrackingQuality grades a pose estimate.
type TrackingQuality uint8

const (
	TrackingGood TrackingQuality = iota
	TrackingPoor
	TrackingFailed
)

func (q TrackingQuality) String() string {
	switch q {
	case TrackingGood:
		return "good"
	case TrackingPoor:
		return "poor"
	default:
		return "failed"
	}
}

// TrackingResult describes one tracker run.
type TrackingResult struct {
	Quality TrackingQuality
	// Residual is the tracker's final alignment error, in its own units.
	Residual float32
}

// Tracker estimates the pose of a frame against the model raycast from the
// previous pose. Implementations live outside this module.
type Tracker interface {
	TrackCamera(ctx context.Context, f *tsdf.Frame, model visual.PointMap) (tsdf.Pose, TrackingResult, error)
}

// FrameResult summarises one processed frame.
type FrameResult struct {
	Index     int
	Pose      tsdf.Pose
	Processed bool
	Tracking  TrackingResult
	Tracked   bool
	Fused     bool
	Fusion    fusion.Stats
	// Err is ErrTrackingFailed when the frame was skipped.
	Err error
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	tracker    Tracker
	exec       tsdf.Executor
	processing bool
	fusion     bool
	tracking   bool
}

// WithTracker sets the tracker. Without one, frame poses are used as given.
func WithTracker(t Tracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// WithExecutor sets the executor of all engines.
func WithExecutor(e tsdf.Executor) Option {
	return func(o *options) {
		o.exec = e
	}
}

// WithProcessing sets whether frames are processed at all. A paused engine
// accepts frames but leaves the model, the pose and the frame count alone.
// Enabled by default.
func WithProcessing(on bool) Option {
	return func(o *options) {
		o.processing = on
	}
}

// WithFusion sets whether frames are fused. Enabled by default.
func WithFusion(on bool) Option {
	return func(o *options) {
		o.fusion = on
	}
}

// WithTracking sets whether the tracker runs. Enabled by default.
func WithTracking(on bool) Option {
	return func(o *options) {
		o.tracking = on
	}
}

// Engine owns the reconstruction state of one camera. It is not safe for
// concurrent use.
type Engine[V tsdf.VoxelKind[V]] struct {
	opts options
	vol  *tsdf.Volume[V]
	fuse *fusion.Engine[V]
	vis  *visual.Engine[V]

	rs       *tsdf.RenderState
	model    visual.PointMap
	hasModel bool
	pose     tsdf.Pose
	frames   int
}

// NewEngine creates a pipeline over vol.
func NewEngine[V tsdf.VoxelKind[V]](vol *tsdf.Volume[V], opts ...Option) *Engine[V] {
	o := options{processing: true, fusion: true, tracking: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.exec == nil {
		o.exec = tsdf.DefaultExecutor()
	}
	return &Engine[V]{
		opts: o,
		vol:  vol,
		fuse: fusion.NewEngine[V](fusion.WithExecutor(o.exec)),
		vis:  visual.NewEngine[V](visual.WithExecutor(o.exec)),
		pose: tsdf.IdentityPose(),
	}
}

// Volume returns the reconstructed volume.
func (e *Engine[V]) Volume() *tsdf.Volume[V] { return e.vol }

// RenderState returns the view of the last processed frame, or nil before
// the first frame.
func (e *Engine[V]) RenderState() *tsdf.RenderState { return e.rs }

// Pose returns the pose of the last processed frame.
func (e *Engine[V]) Pose() tsdf.Pose { return e.pose }

// Frames returns the number of frames processed since creation or Reset.
func (e *Engine[V]) Frames() int { return e.frames }

// SetProcessingEnabled pauses or resumes frame processing.
func (e *Engine[V]) SetProcessingEnabled(on bool) { e.opts.processing = on }

// SetFusionEnabled turns fusion on or off.
func (e *Engine[V]) SetFusionEnabled(on bool) { e.opts.fusion = on }

// SetTrackingEnabled turns tracking on or off.
func (e *Engine[V]) SetTrackingEnabled(on bool) { e.opts.tracking = on }

// ProcessFrame tracks, fuses and raycasts one frame. ctx is checked before
// the frame starts and handed to the tracker; a started frame is not
// interrupted. A tracker error aborts the frame and is returned; a failed
// track is reported in the result and skips fusion. While processing is
// disabled the frame is only validated and Processed is false.
func (e *Engine[V]) ProcessFrame(ctx context.Context, f *tsdf.Frame) (FrameResult, error) {
	if err := ctx.Err(); err != nil {
		return FrameResult{}, err
	}
	if err := f.Validate(); err != nil {
		return FrameResult{}, fmt.Errorf("pipeline: %w", err)
	}
	if !e.opts.processing {
		return FrameResult{Index: e.frames, Pose: f.Pose}, nil
	}
	start := time.Now()
	frame := *f
	res := FrameResult{Index: e.frames, Pose: frame.Pose, Processed: true}

	if e.opts.tracking && e.opts.tracker != nil && e.hasModel {
		pose, tr, err := e.opts.tracker.TrackCamera(ctx, &frame, e.model)
		if err != nil {
			instrumentFrame(outcomeError, start)
			return FrameResult{}, fmt.Errorf("pipeline: track frame %d: %w", e.frames, err)
		}
		res.Tracking = tr
		res.Tracked = true
		if tr.Quality == TrackingFailed {
			res.Err = ErrTrackingFailed
			e.frames++
			instrumentFrame(outcomeTrackingFailed, start)
			tsdf.Logger().Warn("pipeline: tracking failed, frame skipped",
				"frame", res.Index,
				"residual", tr.Residual)
			return res, nil
		}
		frame.Pose = pose
		res.Pose = pose
	}

	e.ensureView(frame.DepthIntrinsics)
	if e.opts.fusion {
		if err := e.fuse.Integrate(e.vol, &frame, e.rs); err != nil {
			instrumentFrame(outcomeError, start)
			return FrameResult{}, err
		}
		res.Fused = true
		res.Fusion = e.fuse.Stats()
	}

	model, err := e.vis.CreateICPMaps(e.vol, &frame, e.rs)
	if err != nil {
		instrumentFrame(outcomeError, start)
		return FrameResult{}, err
	}
	e.model, e.hasModel = model, true
	e.pose = frame.Pose
	e.frames++

	instrumentFrame(outcomeOK, start)
	tsdf.Logger().Debug("pipeline: frame processed",
		"frame", res.Index,
		"tracked", res.Tracked,
		"fused", res.Fused,
		"visible", res.Fusion.VisibleBlocks,
		"duration", time.Since(start))
	return res, nil
}

func (e *Engine[V]) ensureView(in tsdf.Intrinsics) {
	if e.rs == nil || e.rs.Width != in.Width || e.rs.Height != in.Height {
		e.rs = tsdf.NewRenderState(in.Width, in.Height)
	}
}

// RenderImage shades the model as seen from the last frame's pose.
func (e *Engine[V]) RenderImage(out *image.RGBA, mode visual.RenderMode) error {
	if e.rs == nil {
		return fmt.Errorf("pipeline: %w: no frame processed", tsdf.ErrSizeMismatch)
	}
	return e.vis.RenderImage(e.vol, e.rs, out, mode)
}

// RenderFreeView raycasts the model from any pose into rs and shades it.
func (e *Engine[V]) RenderFreeView(pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState, out *image.RGBA, mode visual.RenderMode) error {
	if err := e.vis.FindSurface(e.vol, pose, in, rs); err != nil {
		return err
	}
	return e.vis.RenderImage(e.vol, rs, out, mode)
}

// Reset clears the volume and all tracking state.
func (e *Engine[V]) Reset() {
	e.vol.Reset()
	e.forget()
	e.frames = 0
	e.pose = tsdf.IdentityPose()
}

// Save writes the volume to dir.
func (e *Engine[V]) Save(dir string) error {
	return e.vol.Save(dir)
}

// Load replaces the volume with the dump in dir. Tracking restarts from the
// loaded model at the next frame's given pose.
func (e *Engine[V]) Load(dir string) error {
	if err := e.vol.Load(dir); err != nil {
		return err
	}
	e.forget()
	return nil
}

func (e *Engine[V]) forget() {
	e.fuse.ResetVisibility()
	e.model, e.hasModel = visual.PointMap{}, false
	if e.rs != nil {
		e.rs.InvalidateRaycast()
	}
}
