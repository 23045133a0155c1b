package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/internal/testscene"
	"github.com/gogpu/tsdf/visual"
)

const (
	testWidth  = 64
	testHeight = 48
)

type fakeTracker struct {
	calls   int
	quality TrackingQuality
	err     error
	lastMap visual.PointMap
}

func (t *fakeTracker) TrackCamera(ctx context.Context, f *tsdf.Frame, model visual.PointMap) (tsdf.Pose, TrackingResult, error) {
	t.calls++
	t.lastMap = model
	if t.err != nil {
		return tsdf.Pose{}, TrackingResult{}, t.err
	}
	return f.Pose, TrackingResult{Quality: t.quality, Residual: 0.001}, nil
}

func newVolume(t *testing.T) *tsdf.Volume[tsdf.Voxel] {
	vol, err := tsdf.NewVolume[tsdf.Voxel](tsdf.DefaultSceneParams(),
		tsdf.WithBlockCapacity(8192),
		tsdf.WithBucketCount(0x2000),
		tsdf.WithExcessCount(0x800))
	require.NoError(t, err)
	return vol
}

func planeFrame() *tsdf.Frame {
	in := testscene.Intrinsics(testWidth, testHeight)
	plane := testscene.Plane{Point: mgl32.Vec3{0, 0, 1}, Normal: mgl32.Vec3{0, 0, -1}}
	return testscene.Frame(in, tsdf.IdentityPose(), false, plane)
}

func TestProcessFrame(t *testing.T) {
	t.Run("first frame is fused without tracking", func(t *testing.T) {
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr))

		res, err := e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		require.True(t, res.Fused)
		require.False(t, res.Tracked)
		require.Zero(t, tr.calls)
		require.Equal(t, 1, e.Frames())
		require.NotZero(t, e.Volume().AllocatedBlocks())
		require.NotZero(t, e.RenderState().ValidPixels())
	})

	t.Run("later frames are tracked against the model", func(t *testing.T) {
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr))

		for range 3 {
			_, err := e.ProcessFrame(context.Background(), planeFrame())
			require.NoError(t, err)
		}
		require.Equal(t, 2, tr.calls)
		require.Equal(t, testWidth, tr.lastMap.Width)
		require.Len(t, tr.lastMap.Points, testWidth*testHeight)
	})

	t.Run("failed tracking skips fusion for that frame only", func(t *testing.T) {
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr))
		_, err := e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		blocks := e.Volume().AllocatedBlocks()

		tr.quality = TrackingFailed
		moved := planeFrame()
		moved.Depth = testscene.Depth(moved.DepthIntrinsics, tsdf.IdentityPose(),
			testscene.Plane{Point: mgl32.Vec3{0, 0, 1.5}, Normal: mgl32.Vec3{0, 0, -1}})
		res, err := e.ProcessFrame(context.Background(), moved)
		require.NoError(t, err)
		require.ErrorIs(t, res.Err, ErrTrackingFailed)
		require.False(t, res.Fused)
		require.Equal(t, blocks, e.Volume().AllocatedBlocks())
		require.Equal(t, 2, e.Frames())

		tr.quality = TrackingGood
		res, err = e.ProcessFrame(context.Background(), moved)
		require.NoError(t, err)
		require.True(t, res.Fused)
		require.Greater(t, e.Volume().AllocatedBlocks(), blocks)
	})

	t.Run("tracker error aborts the frame", func(t *testing.T) {
		boom := errors.New("boom")
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr))
		_, err := e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)

		tr.err = boom
		_, err = e.ProcessFrame(context.Background(), planeFrame())
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, e.Frames())
	})

	t.Run("fusion disabled leaves the volume empty", func(t *testing.T) {
		e := NewEngine(newVolume(t), WithFusion(false))
		res, err := e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		require.False(t, res.Fused)
		require.Zero(t, e.Volume().AllocatedBlocks())

		e.SetFusionEnabled(true)
		res, err = e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		require.True(t, res.Fused)
	})

	t.Run("tracking disabled keeps the given pose", func(t *testing.T) {
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr), WithTracking(false))
		for range 2 {
			_, err := e.ProcessFrame(context.Background(), planeFrame())
			require.NoError(t, err)
		}
		require.Zero(t, tr.calls)
	})

	t.Run("paused engine ignores frames", func(t *testing.T) {
		tr := &fakeTracker{}
		e := NewEngine(newVolume(t), WithTracker(tr), WithProcessing(false))
		res, err := e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		require.False(t, res.Processed)
		require.False(t, res.Fused)
		require.Zero(t, e.Frames())
		require.Zero(t, e.Volume().AllocatedBlocks())
		require.Nil(t, e.RenderState())

		f := planeFrame()
		f.DepthIntrinsics.Width++
		_, err = e.ProcessFrame(context.Background(), f)
		require.ErrorIs(t, err, tsdf.ErrSizeMismatch)

		e.SetProcessingEnabled(true)
		res, err = e.ProcessFrame(context.Background(), planeFrame())
		require.NoError(t, err)
		require.True(t, res.Processed)
		require.True(t, res.Fused)
		require.Equal(t, 1, e.Frames())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := NewEngine(newVolume(t))
		_, err := e.ProcessFrame(ctx, planeFrame())
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, e.Frames())
	})

	t.Run("invalid frame", func(t *testing.T) {
		e := NewEngine(newVolume(t))
		f := planeFrame()
		f.DepthIntrinsics.Width++
		_, err := e.ProcessFrame(context.Background(), f)
		require.ErrorIs(t, err, tsdf.ErrSizeMismatch)
	})
}

func TestEngineRenderImage(t *testing.T) {
	e := NewEngine(newVolume(t))
	img := image.NewRGBA(image.Rect(0, 0, testWidth, testHeight))
	require.Error(t, e.RenderImage(img, visual.RenderShaded))

	_, err := e.ProcessFrame(context.Background(), planeFrame())
	require.NoError(t, err)
	require.NoError(t, e.RenderImage(img, visual.RenderShaded))
	require.NotEqual(t, visual.Background, img.RGBAAt(testWidth/2, testHeight/2))

	rs := tsdf.NewRenderState(testWidth, testHeight)
	away := tsdf.LookAt(mgl32.Vec3{}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, -1, 0})
	require.NoError(t, e.RenderFreeView(away, testscene.Intrinsics(testWidth, testHeight), rs, img, visual.RenderShaded))
	require.Equal(t, visual.Background, img.RGBAAt(testWidth/2, testHeight/2))
}

func TestEngineResetSaveLoad(t *testing.T) {
	e := NewEngine(newVolume(t))
	_, err := e.ProcessFrame(context.Background(), planeFrame())
	require.NoError(t, err)
	blocks := e.Volume().AllocatedBlocks()

	dir := t.TempDir()
	require.NoError(t, e.Save(dir))

	e.Reset()
	require.Zero(t, e.Frames())
	require.Zero(t, e.Volume().AllocatedBlocks())
	require.Zero(t, e.RenderState().ValidPixels())

	require.NoError(t, e.Load(dir))
	require.Equal(t, blocks, e.Volume().AllocatedBlocks())

	require.Error(t, e.Load(t.TempDir()))
	require.Equal(t, blocks, e.Volume().AllocatedBlocks())
}
