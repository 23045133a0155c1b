package tsdf

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// BlockCoord identifies a voxel block in block units.
type BlockCoord struct {
	X, Y, Z int32
}

func (c BlockCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Origin returns the voxel coordinates of the block's first voxel.
func (c BlockCoord) Origin() (x, y, z int32) {
	return c.X * BlockSize, c.Y * BlockSize, c.Z * BlockSize
}

// Less orders coordinates lexicographically by X, Y, Z.
func (c BlockCoord) Less(o BlockCoord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

// BlockKey identifies one stored block: a coordinate plus the direction
// channel it holds (DirectionNone for non-directional volumes).
type BlockKey struct {
	Coord BlockCoord
	Dir   Direction
}

// BlockOfVoxel returns the block containing voxel (x, y, z).
func BlockOfVoxel(x, y, z int32) BlockCoord {
	return BlockCoord{x >> 3, y >> 3, z >> 3}
}

// LocalIndex returns the linear index of voxel (x, y, z) inside its block.
func LocalIndex(x, y, z int32) int {
	return int(x&(BlockSize-1)) + int(y&(BlockSize-1))*BlockSize + int(z&(BlockSize-1))*BlockSize*BlockSize
}

// LocalCoord is the inverse of LocalIndex for a voxel inside a block.
func LocalCoord(i int) (x, y, z int32) {
	return int32(i % BlockSize), int32((i / BlockSize) % BlockSize), int32(i / (BlockSize * BlockSize))
}

// WorldToVoxel converts a world point in metres to continuous voxel
// coordinates. Voxel (i, j, k) is centred on the lattice point
// (i, j, k) * voxelSize.
func WorldToVoxel(p mgl32.Vec3, voxelSize float32) mgl32.Vec3 {
	return p.Mul(1 / voxelSize)
}

// VoxelToWorld is the inverse of WorldToVoxel.
func VoxelToWorld(v mgl32.Vec3, voxelSize float32) mgl32.Vec3 {
	return v.Mul(voxelSize)
}

// BlockOfPoint returns the block containing a point given in continuous
// voxel coordinates.
func BlockOfPoint(v mgl32.Vec3) BlockCoord {
	return BlockOfVoxel(floor32(v[0]), floor32(v[1]), floor32(v[2]))
}

func floor32(v float32) int32 {
	return int32(math32.Floor(v))
}

// hashKey mixes a key into [0, mask]. DirectionNone is -1, so its direction
// term vanishes and a plain key hashes like its coordinate.
func hashKey(k BlockKey, mask uint32) uint32 {
	h := uint32(k.Coord.X)*73856093 ^ uint32(k.Coord.Y)*19349669 ^ uint32(k.Coord.Z)*83492791 ^
		uint32(k.Dir+1)*28491781
	return h & mask
}
