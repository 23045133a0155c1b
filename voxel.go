package tsdf

import "unsafe"

// BlockSize is the edge length of a voxel block in voxels.
const BlockSize = 8

// BlockSize3 is the number of voxels in a block.
const BlockSize3 = BlockSize * BlockSize * BlockSize

// Layout describes the in-memory layout of a voxel type. Dumps written with
// one layout cannot be loaded into a volume with another.
type Layout struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Color bool   `json:"color"`
}

// Observation is one fused measurement for a voxel.
type Observation struct {
	SDF    float32 // observed signed distance, already truncated to [-Mu, Mu]
	Weight float32

	R, G, B  uint8
	HasColor bool
}

// VoxelKind is the capability set every voxel type provides. Engines are
// generic over it so the voxel layout is fixed at compile time.
type VoxelKind[V any] interface {
	Voxel | ColorVoxel

	// Distance returns the stored signed distance in metres.
	Distance() float32
	// Confidence returns the accumulated weight; zero means unobserved.
	Confidence() float32
	// Colour returns the fused colour, if the layout stores one and it was
	// observed.
	Colour() (r, g, b uint8, ok bool)
	// Fuse returns the voxel after integrating o.
	Fuse(o Observation, p *SceneParams) V
	// Layout describes the memory layout.
	Layout() Layout
}

// Voxel is a depth-only TSDF voxel.
type Voxel struct {
	SDF    float32
	Weight float32
}

func (v Voxel) Distance() float32   { return v.SDF }
func (v Voxel) Confidence() float32 { return v.Weight }

func (v Voxel) Colour() (r, g, b uint8, ok bool) { return 0, 0, 0, false }

func (v Voxel) Layout() Layout {
	return Layout{Name: "voxel_s", Size: int(unsafe.Sizeof(v))}
}

// Fuse applies the weighted running average.
func (v Voxel) Fuse(o Observation, p *SceneParams) Voxel {
	v.SDF, v.Weight = fuseDistance(v.SDF, v.Weight, o, p)
	return v
}

// ColorVoxel is a TSDF voxel with a fused RGB colour.
type ColorVoxel struct {
	SDF         float32
	Weight      float32
	R, G, B     uint8
	_           uint8
	ColorWeight float32
}

func (v ColorVoxel) Distance() float32   { return v.SDF }
func (v ColorVoxel) Confidence() float32 { return v.Weight }

func (v ColorVoxel) Colour() (r, g, b uint8, ok bool) {
	return v.R, v.G, v.B, v.ColorWeight > 0
}

func (v ColorVoxel) Layout() Layout {
	return Layout{Name: "voxel_s_rgb", Size: int(unsafe.Sizeof(v)), Color: true}
}

// Fuse applies the weighted running average to distance and, when the
// observation carries one, colour.
func (v ColorVoxel) Fuse(o Observation, p *SceneParams) ColorVoxel {
	v.SDF, v.Weight = fuseDistance(v.SDF, v.Weight, o, p)
	if o.HasColor && o.Weight > 0 {
		w := v.ColorWeight + o.Weight
		v.R = blend8(v.R, v.ColorWeight, o.R, o.Weight, w)
		v.G = blend8(v.G, v.ColorWeight, o.G, o.Weight, w)
		v.B = blend8(v.B, v.ColorWeight, o.B, o.Weight, w)
		v.ColorWeight = min(w, p.MaxWeight)
	}
	return v
}

func fuseDistance(sdf, weight float32, o Observation, p *SceneParams) (float32, float32) {
	if !(o.Weight > 0) {
		return sdf, weight
	}
	w := weight + o.Weight
	sdf = clamp((sdf*weight+o.SDF*o.Weight)/w, -p.Mu, p.Mu)
	return sdf, min(w, p.MaxWeight)
}

func blend8(old uint8, oldW float32, obs uint8, obsW, total float32) uint8 {
	v := (float32(old)*oldW + float32(obs)*obsW) / total
	return uint8(clamp(v+0.5, 0, 255))
}
