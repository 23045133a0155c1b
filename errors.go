package tsdf

import "errors"

var (
	// ErrInvalidParams is returned when SceneParams or volume sizes are
	// unusable (non-positive voxel size, empty frustum, bucket count that is
	// not a power of two).
	ErrInvalidParams = errors.New("tsdf: invalid scene parameters")

	// ErrLayoutMismatch is returned by Load when a dump was written with a
	// different voxel type, block size or table geometry.
	ErrLayoutMismatch = errors.New("tsdf: scene layout mismatch")

	// ErrSizeMismatch is returned when an input image does not match the
	// resolution it is used with.
	ErrSizeMismatch = errors.New("tsdf: image size mismatch")
)
