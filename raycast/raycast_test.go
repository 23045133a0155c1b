package raycast

import (
	"math"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/fusion"
	"github.com/gogpu/tsdf/internal/testscene"
)

const (
	testWidth  = 64
	testHeight = 48
	planeDepth = 1.0
)

var frontPlane = testscene.Plane{Point: mgl32.Vec3{0, 0, planeDepth}, Normal: mgl32.Vec3{0, 0, -1}}

func newTestVolume(t *testing.T, p tsdf.SceneParams) *tsdf.Volume[tsdf.Voxel] {
	t.Helper()
	vol, err := tsdf.NewVolume[tsdf.Voxel](p,
		tsdf.WithBlockCapacity(8192),
		tsdf.WithBucketCount(0x2000),
		tsdf.WithExcessCount(0x1000))
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	return vol
}

// fusedPlane returns a volume holding a fronto-parallel plane at planeDepth
// seen from the identity pose.
func fusedPlane(t *testing.T, p tsdf.SceneParams) (*tsdf.Volume[tsdf.Voxel], tsdf.Intrinsics) {
	t.Helper()
	vol := newTestVolume(t, p)
	in := testscene.Intrinsics(testWidth, testHeight)
	f := testscene.Frame(in, tsdf.IdentityPose(), false, frontPlane)

	fe := fusion.NewEngine[tsdf.Voxel](fusion.WithAccelerator(false))
	for range 2 {
		if err := fe.Integrate(vol, f, nil); err != nil {
			t.Fatalf("Integrate: %v", err)
		}
	}
	return vol, in
}

func render(t *testing.T, e *Engine[tsdf.Voxel], vol *tsdf.Volume[tsdf.Voxel], pose tsdf.Pose, in tsdf.Intrinsics, rs *tsdf.RenderState) {
	t.Helper()
	e.FindVisibleBlocks(vol, pose, in, rs)
	if err := e.CreateExpectedDepths(vol, pose, in, rs); err != nil {
		t.Fatalf("CreateExpectedDepths: %v", err)
	}
	if err := e.Raycast(vol, pose, in, rs); err != nil {
		t.Fatalf("Raycast: %v", err)
	}
}

// interior reports whether pixel (x, y) is away from the image border, where
// fusion has no depth normals.
func interior(x, y int) bool {
	return x >= 4 && y >= 4 && x < testWidth-4 && y < testHeight-4
}

// =============================================================================
// Raycast Tests
// =============================================================================

func TestRaycast_PlaneWithinOneVoxel(t *testing.T) {
	p := tsdf.DefaultSceneParams()
	vol, in := fusedPlane(t, p)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	render(t, e, vol, tsdf.IdentityPose(), in, rs)

	checked := 0
	for y := range testHeight {
		for x := range testWidth {
			if !interior(x, y) {
				continue
			}
			pt := rs.Points[y*testWidth+x]
			if pt[3] != 1 {
				t.Fatalf("pixel (%d,%d) has no hit", x, y)
			}
			if d := math32.Abs(pt[2] - planeDepth); d > p.VoxelSize {
				t.Errorf("pixel (%d,%d) hit at z=%v, off by %v", x, y, pt[2], d)
			}
			checked++
		}
	}
	if checked == 0 {
		t.Fatal("no interior pixels checked")
	}
	if !rs.HasRaycast {
		t.Error("HasRaycast not set")
	}
}

func TestRaycast_Idempotent(t *testing.T) {
	vol, in := fusedPlane(t, tsdf.DefaultSceneParams())
	exec := tsdf.NewWorkerExecutor(4, 0)
	defer exec.Close()
	e := NewEngine[tsdf.Voxel](WithExecutor(exec))
	rs := tsdf.NewRenderState(testWidth, testHeight)
	pose := tsdf.PoseFromParams(0.01, -0.02, 0, 0.02, -0.03, 0)

	render(t, e, vol, pose, in, rs)
	points := append([]mgl32.Vec4(nil), rs.Points...)
	normals := append([]mgl32.Vec4(nil), rs.Normals...)

	render(t, e, vol, pose, in, rs)
	for i := range points {
		for k := range 4 {
			if math.Float32bits(points[i][k]) != math.Float32bits(rs.Points[i][k]) {
				t.Fatalf("point %d differs: %v vs %v", i, points[i], rs.Points[i])
			}
			if math.Float32bits(normals[i][k]) != math.Float32bits(rs.Normals[i][k]) {
				t.Fatalf("normal %d differs: %v vs %v", i, normals[i], rs.Normals[i])
			}
		}
	}
}

func TestRaycast_EmptyScene(t *testing.T) {
	vol := newTestVolume(t, tsdf.DefaultSceneParams())
	in := testscene.Intrinsics(testWidth, testHeight)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)

	poses := []tsdf.Pose{
		tsdf.IdentityPose(),
		tsdf.PoseFromParams(1, 2, 3, 0.5, 0.1, -0.7),
	}
	for _, pose := range poses {
		if n := e.FindVisibleBlocks(vol, pose, in, rs); n != 0 {
			t.Fatalf("visible blocks = %d, want 0", n)
		}
		render(t, e, vol, pose, in, rs)
		if n := rs.ValidPixels(); n != 0 {
			t.Errorf("valid pixels = %d, want 0", n)
		}
		for i, n := range rs.Normals {
			if n[3] != -1 {
				t.Fatalf("normal %d = %v, want invalid", i, n)
			}
		}
	}
	if vol.AllocatedBlocks() != 0 {
		t.Errorf("raycast allocated %d blocks", vol.AllocatedBlocks())
	}
}

func TestRaycast_SizeMismatch(t *testing.T) {
	vol := newTestVolume(t, tsdf.DefaultSceneParams())
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	in := testscene.Intrinsics(32, 24)

	if err := e.CreateExpectedDepths(vol, tsdf.IdentityPose(), in, rs); err == nil {
		t.Error("CreateExpectedDepths accepted mismatched intrinsics")
	}
	if err := e.Raycast(vol, tsdf.IdentityPose(), in, rs); err == nil {
		t.Error("Raycast accepted mismatched intrinsics")
	}
}

// =============================================================================
// Depth Range Tests
// =============================================================================

func TestCreateExpectedDepths_BracketsSurface(t *testing.T) {
	p := tsdf.DefaultSceneParams()
	vol, in := fusedPlane(t, p)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	e.FindVisibleBlocks(vol, tsdf.IdentityPose(), in, rs)
	if err := e.CreateExpectedDepths(vol, tsdf.IdentityPose(), in, rs); err != nil {
		t.Fatal(err)
	}

	centre := rs.RangeAt(testWidth/2, testHeight/2)
	if !(centre[0] < planeDepth && centre[1] > planeDepth) {
		t.Errorf("centre range %v does not bracket %v", centre, planeDepth)
	}
	for i, r := range rs.DepthRange {
		if r[0] < p.ViewFrustumMin || r[1] > p.ViewFrustumMax {
			t.Errorf("range %d = %v outside the frustum", i, r)
		}
	}
}

func TestCreateExpectedDepths_EmptyIsInverted(t *testing.T) {
	p := tsdf.DefaultSceneParams()
	vol := newTestVolume(t, p)
	in := testscene.Intrinsics(testWidth, testHeight)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	e.FindVisibleBlocks(vol, tsdf.IdentityPose(), in, rs)
	if err := e.CreateExpectedDepths(vol, tsdf.IdentityPose(), in, rs); err != nil {
		t.Fatal(err)
	}
	want := mgl32.Vec2{p.ViewFrustumMax, p.ViewFrustumMin}
	for i, r := range rs.DepthRange {
		if r != want {
			t.Fatalf("range %d = %v, want %v", i, r, want)
		}
	}
}

// =============================================================================
// Visibility Tests
// =============================================================================

func TestFindVisibleBlocks_SortedAndReadOnly(t *testing.T) {
	vol, in := fusedPlane(t, tsdf.DefaultSceneParams())
	before := vol.AllocatedBlocks()
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)

	n := e.FindVisibleBlocks(vol, tsdf.IdentityPose(), in, rs)
	if n == 0 || n > before {
		t.Fatalf("visible = %d, allocated = %d", n, before)
	}
	slots := rs.VisibleBlocks()
	for i := 1; i < len(slots); i++ {
		if slots[i-1] >= slots[i] {
			t.Fatalf("visible slots not ascending at %d: %d, %d", i, slots[i-1], slots[i])
		}
	}
	if got := CountVisibleBlocks(rs, 0, math.MaxInt32); got != n {
		t.Errorf("CountVisibleBlocks = %d, want %d", got, n)
	}
	all := CountVisibleBlocksInBox(vol, rs,
		tsdf.BlockCoord{X: -1000, Y: -1000, Z: -1000},
		tsdf.BlockCoord{X: 1000, Y: 1000, Z: 1000})
	if all != n {
		t.Errorf("CountVisibleBlocksInBox = %d, want %d", all, n)
	}
	if vol.AllocatedBlocks() != before {
		t.Error("visibility pass modified the volume")
	}

	// looking away sees nothing
	away := tsdf.LookAt(mgl32.Vec3{}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, -1, 0})
	if got := e.FindVisibleBlocks(vol, away, in, rs); got != 0 {
		t.Errorf("visible looking away = %d, want 0", got)
	}
}

// =============================================================================
// Normal Tests
// =============================================================================

func TestComputeNormals_Sources(t *testing.T) {
	vol, in := fusedPlane(t, tsdf.DefaultSceneParams())
	want := mgl32.Vec3{0, 0, -1}

	for _, src := range []NormalSource{NormalsFromSDF, NormalsFromImage} {
		t.Run(src.String(), func(t *testing.T) {
			e := NewEngine[tsdf.Voxel](WithNormalSource(src))
			rs := tsdf.NewRenderState(testWidth, testHeight)
			render(t, e, vol, tsdf.IdentityPose(), in, rs)

			n := rs.Normals[(testHeight/2)*testWidth+testWidth/2]
			if n[3] < 0 {
				t.Fatal("centre normal invalid")
			}
			if n.Vec3().Dot(want) < 0.99 {
				t.Errorf("centre normal = %v, want %v", n, want)
			}
			if rs.Normals[0][3] != -1 {
				t.Errorf("corner normal = %v, want invalid", rs.Normals[0])
			}
		})
	}
}

// =============================================================================
// Directional Tests
// =============================================================================

func TestRaycast_DirectionalPlane(t *testing.T) {
	p := tsdf.DefaultSceneParams()
	p.Directional = true
	vol, in := fusedPlane(t, p)

	counts := vol.AllocationsPerDirection()
	if counts[tsdf.DirectionZNeg] == 0 {
		t.Fatalf("no Z- blocks allocated: %v", counts)
	}
	if counts[tsdf.DirectionZPos] != 0 || counts[tsdf.NumDirections] != 0 {
		t.Errorf("unexpected channels allocated: %v", counts)
	}

	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	render(t, e, vol, tsdf.IdentityPose(), in, rs)

	i := (testHeight/2)*testWidth + testWidth/2
	pt := rs.Points[i]
	if pt[3] != 1 || math32.Abs(pt[2]-planeDepth) > p.VoxelSize {
		t.Fatalf("centre hit = %v", pt)
	}
	c := rs.Contributions[i]
	var sum float32
	for _, w := range c {
		sum += w
	}
	if math32.Abs(sum-1) > 1e-4 || c[tsdf.DirectionZNeg] < 0.99 {
		t.Errorf("contributions = %v", c)
	}
	if n := rs.Normals[i]; n[3] < 0 || n[2] > -0.99 {
		t.Errorf("centre normal = %v", n)
	}
}

// =============================================================================
// Forward Rendering Tests
// =============================================================================

func TestForwardRender_SmallMotion(t *testing.T) {
	p := tsdf.DefaultSceneParams()
	vol, in := fusedPlane(t, p)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	render(t, e, vol, tsdf.IdentityPose(), in, rs)

	moved := tsdf.PoseFromParams(0.01, 0, 0, 0, 0, 0)
	e.FindVisibleBlocks(vol, moved, in, rs)
	if err := e.CreateExpectedDepths(vol, moved, in, rs); err != nil {
		t.Fatal(err)
	}
	missing, err := e.ForwardRender(vol, moved, in, rs)
	if err != nil {
		t.Fatalf("ForwardRender: %v", err)
	}
	if missing != len(rs.MissingPoints) {
		t.Errorf("missing = %d, list has %d", missing, len(rs.MissingPoints))
	}
	if missing >= testWidth*testHeight/2 {
		t.Errorf("missing = %d, expected most pixels reused", missing)
	}
	for i := 1; i < len(rs.MissingPoints); i++ {
		if rs.MissingPoints[i-1] >= rs.MissingPoints[i] {
			t.Fatal("missing points not in pixel order")
		}
	}

	full := NewEngine[tsdf.Voxel]()
	ref := tsdf.NewRenderState(testWidth, testHeight)
	render(t, full, vol, moved, in, ref)
	if got, want := rs.ValidPixels(), ref.ValidPixels(); got < want*9/10 {
		t.Errorf("forward valid pixels = %d, full raycast = %d", got, want)
	}
	for y := range testHeight {
		for x := range testWidth {
			pt := rs.Points[y*testWidth+x]
			if interior(x, y) && pt[3] > 0 && math32.Abs(pt[2]-planeDepth) > p.VoxelSize {
				t.Fatalf("pixel (%d,%d) = %v off the plane", x, y, pt)
			}
		}
	}
	if rs.Pose != moved {
		t.Error("render state pose not updated")
	}
}

func TestForwardRender_WithoutPreviousRaycast(t *testing.T) {
	vol, in := fusedPlane(t, tsdf.DefaultSceneParams())
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	e.FindVisibleBlocks(vol, tsdf.IdentityPose(), in, rs)
	if err := e.CreateExpectedDepths(vol, tsdf.IdentityPose(), in, rs); err != nil {
		t.Fatal(err)
	}

	missing, err := e.ForwardRender(vol, tsdf.IdentityPose(), in, rs)
	if err != nil {
		t.Fatal(err)
	}
	if missing != testWidth*testHeight {
		t.Errorf("missing = %d, want every pixel", missing)
	}
	if rs.ValidPixels() == 0 {
		t.Error("fallback raycast found no surface")
	}
}
