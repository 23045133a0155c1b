package visual

import (
	"fmt"
	"image/color"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/tsdf"
	"github.com/gogpu/tsdf/raycast"
)

// PointMap is a raycast from a depth camera, owned by the caller. Points
// and normals are in world space; W = 1 marks a point hit and W = -1 an
// invalid normal.
type PointMap struct {
	Width, Height int
	Points        []mgl32.Vec4
	Normals       []mgl32.Vec4
	Pose          tsdf.Pose
	Intrinsics    tsdf.Intrinsics
}

// Valid reports whether pixel i has both a point and a normal.
func (m *PointMap) Valid(i int) bool {
	return m.Points[i][3] > 0 && m.Normals[i][3] >= 0
}

// CreateICPMaps raycasts vol from the depth camera of f and returns a copy
// of the points and SDF normals for depth-only pose refinement. rs must
// match the depth resolution and is left holding the raycast.
func (e *Engine[V]) CreateICPMaps(vol *tsdf.Volume[V], f *tsdf.Frame, rs *tsdf.RenderState) (PointMap, error) {
	if err := e.FindSurface(vol, f.Pose, f.DepthIntrinsics, rs); err != nil {
		return PointMap{}, err
	}
	defer instrumentRender(renderICP, time.Now())
	e.normals(vol, rs, raycast.NormalsFromSDF)

	return PointMap{
		Width:      rs.Width,
		Height:     rs.Height,
		Points:     append([]mgl32.Vec4(nil), rs.Points...),
		Normals:    append([]mgl32.Vec4(nil), rs.Normals...),
		Pose:       f.Pose,
		Intrinsics: f.DepthIntrinsics,
	}, nil
}

// PointCloud is a coloured set of world-space points seen from a colour
// camera. Locations[i] and Colours[i] belong to pixel Pixels[i].
type PointCloud struct {
	Locations []mgl32.Vec3
	Colours   []color.RGBA
	Pixels    []int32
	Pose      tsdf.Pose
}

// Len returns the number of points.
func (pc *PointCloud) Len() int { return len(pc.Locations) }

// CreatePointCloud raycasts vol from the colour camera of f and returns the
// hit points with their colour. Colour comes from the volume when its layout
// stores one and from the frame's colour image otherwise. rs must match the
// colour resolution.
func (e *Engine[V]) CreatePointCloud(vol *tsdf.Volume[V], f *tsdf.Frame, rs *tsdf.RenderState) (*PointCloud, error) {
	if f.Color == nil && !vol.Layout().Color {
		return nil, fmt.Errorf("visual: %w: no colour source", tsdf.ErrInvalidParams)
	}
	pose := f.Pose
	if f.DepthToColor != (mgl32.Mat4{}) {
		pose = tsdf.NewPose(f.DepthToColor.Mul4(f.Pose.M))
	}
	if err := e.FindSurface(vol, pose, f.ColorIntrinsics, rs); err != nil {
		return nil, err
	}
	defer instrumentRender(renderPointCloud, time.Now())

	p := vol.Params()
	rd := channelReaders(vol)
	pc := &PointCloud{Pose: pose}
	for i, pt := range rs.Points {
		if pt[3] <= 0 {
			continue
		}
		w := pt.Vec3()
		var c color.RGBA
		if vol.Layout().Color {
			c = volumeColour(rd, w, rs.Contributions[i], &p)
		} else {
			r, g, b, ok := f.ColorAt(w)
			if !ok {
				continue
			}
			c = color.RGBA{R: r, G: g, B: b, A: 255}
		}
		pc.Locations = append(pc.Locations, w)
		pc.Colours = append(pc.Colours, c)
		pc.Pixels = append(pc.Pixels, int32(i))
	}
	return pc, nil
}
