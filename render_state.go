package tsdf

import "github.com/go-gl/mathgl/mgl32"

// RangeSubsample is the number of image pixels per depth-range pixel along
// each axis.
const RangeSubsample = 8

const initialVisibleBlocks = 10000

// RenderState holds the per-view buffers of the raycasting pipeline. It is
// created once per output resolution and reused across frames. The visible
// block list grows by doubling and never shrinks.
type RenderState struct {
	Width, Height int

	// RangeWidth x RangeHeight depth-range image; X is the near bound and Y
	// the far bound in metres. A pixel with X >= Y has no block in front of
	// it.
	RangeWidth, RangeHeight int
	DepthRange              []mgl32.Vec2

	// Points are world-space hits in metres; W is 1 for a hit and 0 for no
	// surface.
	Points []mgl32.Vec4

	// Normals are world-space unit normals; W is -1 when invalid.
	Normals []mgl32.Vec4

	// Contributions holds the per-direction blend weights of each hit of a
	// directional volume.
	Contributions []Contribution

	// ForwardProjection is scratch space for ForwardRender.
	ForwardProjection []mgl32.Vec4

	// MissingPoints lists the pixel indices ForwardRender had to re-march.
	MissingPoints []int32

	// Pose and Intrinsics the current Points were produced with.
	Pose       Pose
	Intrinsics Intrinsics
	HasRaycast bool

	visible      []int32
	visibleCount int
}

// NewRenderState allocates buffers for a width x height view.
func NewRenderState(width, height int) *RenderState {
	rw := (width + RangeSubsample - 1) / RangeSubsample
	rh := (height + RangeSubsample - 1) / RangeSubsample
	n := width * height
	rs := &RenderState{
		Width:             width,
		Height:            height,
		RangeWidth:        rw,
		RangeHeight:       rh,
		DepthRange:        make([]mgl32.Vec2, rw*rh),
		Points:            make([]mgl32.Vec4, n),
		Normals:           make([]mgl32.Vec4, n),
		Contributions:     make([]Contribution, n),
		ForwardProjection: make([]mgl32.Vec4, n),
		MissingPoints:     make([]int32, 0, n),
		visible:           make([]int32, initialVisibleBlocks),
	}
	rs.InvalidateRaycast()
	return rs
}

// Resize guarantees room for n visible blocks. When the current capacity is
// too small the list is reallocated to 2n. The visible count is reset.
func (rs *RenderState) Resize(n int) {
	if n > len(rs.visible) {
		rs.visible = make([]int32, 2*n)
	}
	rs.visibleCount = 0
}

// SetVisibleBlocks replaces the visible-block list.
func (rs *RenderState) SetVisibleBlocks(slots []int32) {
	rs.Resize(len(slots))
	rs.visibleCount = copy(rs.visible, slots)
}

// VisibleBlocks returns the slots of the blocks found visible by the last
// fusion or visibility pass.
func (rs *RenderState) VisibleBlocks() []int32 {
	return rs.visible[:rs.visibleCount]
}

// VisibleCapacity returns the current capacity of the visible-block list.
func (rs *RenderState) VisibleCapacity() int {
	return len(rs.visible)
}

// InvalidateRaycast marks every pixel as having no surface.
func (rs *RenderState) InvalidateRaycast() {
	for i := range rs.Points {
		rs.Points[i] = mgl32.Vec4{}
		rs.Normals[i] = mgl32.Vec4{0, 0, 0, -1}
		rs.Contributions[i] = Contribution{}
	}
	rs.MissingPoints = rs.MissingPoints[:0]
	rs.HasRaycast = false
}

// ValidPixels counts pixels with a surface hit.
func (rs *RenderState) ValidPixels() int {
	n := 0
	for _, p := range rs.Points {
		if p[3] > 0 {
			n++
		}
	}
	return n
}

// RangeAt returns the depth range covering image pixel (x, y).
func (rs *RenderState) RangeAt(x, y int) mgl32.Vec2 {
	return rs.DepthRange[(y/RangeSubsample)*rs.RangeWidth+x/RangeSubsample]
}
