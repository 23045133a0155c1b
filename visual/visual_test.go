package visual

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/image/tiff"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/fusion"
	"github.com/gogpu/tsdf/internal/testscene"
	"github.com/gogpu/tsdf/raycast"
)

const (
	testWidth  = 64
	testHeight = 48
)

var frontPlane = testscene.Plane{Point: mgl32.Vec3{0, 0, 1}, Normal: mgl32.Vec3{0, 0, -1}}

func newVolume[V tsdf.VoxelKind[V]](t *testing.T) *tsdf.Volume[V] {
	t.Helper()
	vol, err := tsdf.NewVolume[V](tsdf.DefaultSceneParams(),
		tsdf.WithBlockCapacity(8192),
		tsdf.WithBucketCount(0x2000),
		tsdf.WithExcessCount(0x1000))
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	return vol
}

func fuse[V tsdf.VoxelKind[V]](t *testing.T, vol *tsdf.Volume[V], f *tsdf.Frame) {
	t.Helper()
	fe := fusion.NewEngine[V](fusion.WithAccelerator(false))
	if err := fe.Integrate(vol, f, nil); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
}

func newImage() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, testWidth, testHeight))
}

// =============================================================================
// RenderImage Tests
// =============================================================================

func TestRenderImage_EmptySceneIsBackground(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	if err := e.FindSurface(vol, tsdf.PoseFromParams(0.3, 0, 0, 0, 0.4, 0), in, rs); err != nil {
		t.Fatal(err)
	}

	modes := []RenderMode{RenderShaded, RenderShadedImageNormals, RenderColourFromVolume, RenderColourFromNormal, RenderConfidence}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			img := newImage()
			if err := e.RenderImage(vol, rs, img, mode); err != nil {
				t.Fatal(err)
			}
			for y := range testHeight {
				for x := range testWidth {
					if c := img.RGBAAt(x, y); c != Background {
						t.Fatalf("pixel (%d,%d) = %v, want background", x, y, c)
					}
				}
			}
		})
	}
}

func TestRenderImage_ShadedPlane(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	fuse(t, vol, testscene.Frame(in, tsdf.IdentityPose(), false, frontPlane))

	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	if err := e.FindSurface(vol, tsdf.IdentityPose(), in, rs); err != nil {
		t.Fatal(err)
	}

	for _, mode := range []RenderMode{RenderShaded, RenderShadedImageNormals} {
		img := newImage()
		if err := e.RenderImage(vol, rs, img, mode); err != nil {
			t.Fatal(err)
		}
		// facing the light: cos is ~1
		if c := img.RGBAAt(testWidth/2, testHeight/2); c.R < 250 || c.R != c.G || c.G != c.B {
			t.Errorf("%v: centre = %v, want near white grey", mode, c)
		}
	}

	img := newImage()
	if err := e.RenderImage(vol, rs, img, RenderColourFromNormal); err != nil {
		t.Fatal(err)
	}
	// normal (0, 0, -1) maps to (128, 128, 0)
	if c := img.RGBAAt(testWidth/2, testHeight/2); c.B > 5 || c.R < 120 || c.R > 136 {
		t.Errorf("normal colour = %v", c)
	}
}

func TestRenderImage_ColourFromVolume(t *testing.T) {
	vol := newVolume[tsdf.ColorVoxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	fuse(t, vol, testscene.Frame(in, tsdf.IdentityPose(), true, frontPlane))

	e := NewEngine[tsdf.ColorVoxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	if err := e.FindSurface(vol, tsdf.IdentityPose(), in, rs); err != nil {
		t.Fatal(err)
	}
	img := newImage()
	if err := e.RenderImage(vol, rs, img, RenderColourFromVolume); err != nil {
		t.Fatal(err)
	}

	// well inside a checker cell
	x, y := 40, 32
	pt := rs.Points[y*testWidth+x]
	want := testscene.Checker(pt.Vec3())
	got := img.RGBAAt(x, y)
	if absDiff(got.R, want.R) > 8 || absDiff(got.B, want.B) > 8 {
		t.Errorf("colour = %v, want about %v", got, want)
	}
}

func TestRenderImage_SizeMismatch(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	err := e.RenderImage(vol, rs, image.NewRGBA(image.Rect(0, 0, 10, 10)), RenderShaded)
	if !errors.Is(err, tsdf.ErrSizeMismatch) {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// =============================================================================
// Depth and Tracking Error Tests
// =============================================================================

func TestJet(t *testing.T) {
	tests := []struct {
		t    float32
		want color.RGBA
	}{
		{-1, color.RGBA{0, 0, 128, 255}},
		{0, color.RGBA{0, 0, 128, 255}},
		{0.5, color.RGBA{128, 255, 128, 255}},
		{1, color.RGBA{128, 0, 0, 255}},
		{2, color.RGBA{128, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := Jet(tt.t); got != tt.want {
			t.Errorf("Jet(%v) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestRenderDepth(t *testing.T) {
	d := tsdf.NewDepthImage(4, 1)
	d.Pix = []float32{0, 1, 2, 3}
	img := image.NewRGBA(image.Rect(0, 0, 4, 1))
	if err := RenderDepth(d, img); err != nil {
		t.Fatal(err)
	}
	if img.RGBAAt(0, 0) != Background {
		t.Error("hole not rendered as background")
	}
	if img.RGBAAt(1, 0) != Jet(0) || img.RGBAAt(3, 0) != Jet(1) {
		t.Errorf("depth ramp = %v .. %v", img.RGBAAt(1, 0), img.RGBAAt(3, 0))
	}

	flat := tsdf.NewDepthImage(2, 1)
	flat.Pix = []float32{1.5, 1.5}
	img = image.NewRGBA(image.Rect(0, 0, 2, 1))
	if err := RenderDepth(flat, img); err != nil {
		t.Fatal(err)
	}
	if img.RGBAAt(0, 0) != grey(0.5) {
		t.Errorf("single depth = %v, want neutral grey", img.RGBAAt(0, 0))
	}
}

func TestRenderTrackingError_AlignedFrameIsLow(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	f := testscene.Frame(in, tsdf.IdentityPose(), false, frontPlane)
	fuse(t, vol, f)

	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	if err := e.FindSurface(vol, f.Pose, in, rs); err != nil {
		t.Fatal(err)
	}
	img := newImage()
	if err := RenderTrackingError(img, rs, f, 0.05); err != nil {
		t.Fatal(err)
	}
	// within a voxel of the surface: well below half the scale
	if c := img.RGBAAt(testWidth/2, testHeight/2); c.R != 0 {
		t.Errorf("centre error colour = %v, want the cold end", c)
	}
	if err := RenderTrackingError(img, rs, f, 0); !errors.Is(err, tsdf.ErrInvalidParams) {
		t.Errorf("zero max error: err = %v", err)
	}
}

// =============================================================================
// Tracker Input Tests
// =============================================================================

func TestCreateICPMaps(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	f := testscene.Frame(in, tsdf.IdentityPose(), false, frontPlane)
	fuse(t, vol, f)

	e := NewEngine[tsdf.Voxel](WithNormalSource(raycast.NormalsFromImage))
	rs := tsdf.NewRenderState(testWidth, testHeight)
	m, err := e.CreateICPMaps(vol, f, rs)
	if err != nil {
		t.Fatal(err)
	}
	i := (testHeight/2)*testWidth + testWidth/2
	if !m.Valid(i) {
		t.Fatal("centre of the point map invalid")
	}
	if math32.Abs(m.Points[i][2]-1) > vol.Params().VoxelSize {
		t.Errorf("centre point = %v", m.Points[i])
	}

	// the map is a copy
	rs.InvalidateRaycast()
	if !m.Valid(i) {
		t.Error("point map aliases the render state")
	}
}

func TestCreatePointCloud(t *testing.T) {
	vol := newVolume[tsdf.Voxel](t)
	in := testscene.Intrinsics(testWidth, testHeight)
	f := testscene.Frame(in, tsdf.IdentityPose(), true, frontPlane)
	fuse(t, vol, f)

	e := NewEngine[tsdf.Voxel]()
	rs := tsdf.NewRenderState(testWidth, testHeight)
	pc, err := e.CreatePointCloud(vol, f, rs)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Len() == 0 || pc.Len() != len(pc.Colours) || pc.Len() != len(pc.Pixels) {
		t.Fatalf("cloud sizes: %d points, %d colours, %d pixels", pc.Len(), len(pc.Colours), len(pc.Pixels))
	}
	for i, c := range pc.Colours {
		if c.A != 255 {
			t.Fatalf("colour %d = %v", i, c)
		}
	}

	f.Color = nil
	if _, err := e.CreatePointCloud(vol, f, rs); !errors.Is(err, tsdf.ErrInvalidParams) {
		t.Errorf("no colour source: err = %v", err)
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestScale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	dst := Scale(src, 16, 4)
	if b := dst.Bounds(); b.Dx() != 16 || b.Dy() != 4 {
		t.Fatalf("bounds = %v", b)
	}
	if c := dst.RGBAAt(8, 2); c.R != 200 {
		t.Errorf("scaled uniform image = %v", c)
	}
}

func TestSaveDepthTIFF(t *testing.T) {
	d := tsdf.NewDepthImage(3, 2)
	d.Set(0, 0, 1.234)
	d.Set(2, 1, 0.5)
	path := filepath.Join(t.TempDir(), "depth.tiff")
	if err := SaveDepthTIFF(path, d); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	g, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("decoded %T, want *image.Gray16", img)
	}
	if got := g.Gray16At(0, 0).Y; got != 1234 {
		t.Errorf("depth (0,0) = %d mm, want 1234", got)
	}
	if got := g.Gray16At(2, 1).Y; got != 500 {
		t.Errorf("depth (2,1) = %d mm, want 500", got)
	}
	if got := g.Gray16At(1, 0).Y; got != 0 {
		t.Errorf("hole = %d, want 0", got)
	}
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.png")
	if err := SavePNG(path, newImage()); err != nil {
		t.Fatal(err)
	}
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Errorf("png not written: %v", err)
	}
	if err := SavePNG(filepath.Join(t.TempDir(), "missing", "out.png"), newImage()); err == nil {
		t.Error("writing into a missing directory succeeded")
	}
}
