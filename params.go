package tsdf

import (
	"fmt"

	"github.com/chewxy/math32"
)

// SceneParams are the immutable reconstruction parameters of a volume.
// They are passed by value (or by pointer to a copy) through every engine
// call; nothing reads them from global state.
type SceneParams struct {
	// VoxelSize is the edge length of one voxel in metres.
	VoxelSize float32 `json:"voxel_size"`

	// Mu is the truncation band in metres. Stored distances lie in [-Mu, Mu].
	Mu float32 `json:"mu"`

	// ViewFrustumMin and ViewFrustumMax bound the depths that are fused and
	// raycast.
	ViewFrustumMin float32 `json:"view_frustum_min"`
	ViewFrustumMax float32 `json:"view_frustum_max"`

	// MaxWeight caps the accumulated fusion weight of a voxel.
	MaxWeight float32 `json:"max_weight"`

	// Directional enables six-channel directional fusion.
	Directional bool `json:"directional"`

	// DirectionAngle is the half-width in radians of the acceptance band of
	// a direction channel.
	DirectionAngle float32 `json:"direction_angle"`
}

// DefaultSceneParams returns parameters for a handheld depth camera at
// room scale.
func DefaultSceneParams() SceneParams {
	return SceneParams{
		VoxelSize:      0.005,
		Mu:             0.02,
		ViewFrustumMin: 0.2,
		ViewFrustumMax: 3.0,
		MaxWeight:      100,
		DirectionAngle: 1.1,
	}
}

// Validate reports ErrInvalidParams when p cannot drive a reconstruction.
func (p SceneParams) Validate() error {
	switch {
	case !(p.VoxelSize > 0):
		return fmt.Errorf("%w: voxel size %v", ErrInvalidParams, p.VoxelSize)
	case !(p.Mu > 0):
		return fmt.Errorf("%w: truncation %v", ErrInvalidParams, p.Mu)
	case !(p.ViewFrustumMin > 0) || !(p.ViewFrustumMax > p.ViewFrustumMin):
		return fmt.Errorf("%w: view frustum [%v, %v]", ErrInvalidParams, p.ViewFrustumMin, p.ViewFrustumMax)
	case !(p.MaxWeight > 0):
		return fmt.Errorf("%w: max weight %v", ErrInvalidParams, p.MaxWeight)
	case p.Directional && (!(p.DirectionAngle > 0) || p.DirectionAngle > math32.Pi):
		return fmt.Errorf("%w: direction angle %v", ErrInvalidParams, p.DirectionAngle)
	}
	return nil
}

// BlockExtent returns the edge length of a voxel block in metres.
func (p *SceneParams) BlockExtent() float32 {
	return p.VoxelSize * BlockSize
}

// Directions returns the channels a volume with these parameters stores:
// DirectionNone alone, or all six axis directions.
func (p *SceneParams) Directions() []Direction {
	if p.Directional {
		return AllDirections[:]
	}
	return []Direction{DirectionNone}
}
