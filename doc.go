// Package tsdf is a sparse volumetric reconstruction core: posed depth
// frames are fused into a truncated signed distance field stored in voxel
// blocks behind a spatial hash, and the field is raycast back into depth,
// normal and shaded images.
//
// # Overview
//
// The root package holds the storage layer and the shared types:
//
//   - [HashIndex]: lock-free block-coordinate to slot map with an overflow
//     region for collisions
//   - [BlockPool]: fixed-capacity voxel block storage with an atomic free list
//   - [Volume]: index + pool + [SceneParams], generic over the voxel layout
//   - [RenderState]: per-view raycasting buffers
//   - [Executor]: the parallel-for contract every engine is written against
//
// The engines live in sub-packages:
//
//   - fusion: integrates a posed depth (and colour) frame into a volume
//   - raycast: depth-range estimation, ray marching, forward projection
//   - visual: shaded images, point/normal maps and coloured point clouds
//   - pipeline: per-frame driver with a pluggable pose tracker
//
// # Quick Start
//
//	vol, err := tsdf.NewVolume[tsdf.Voxel](tsdf.DefaultSceneParams())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fe := fusion.NewEngine[tsdf.Voxel]()
//	fe.Integrate(vol, frame, rs)
//
//	ve := visual.NewEngine[tsdf.Voxel]()
//	ve.FindSurface(vol, pose, intrinsics, rs)
//	img := image.NewRGBA(image.Rect(0, 0, w, h))
//	ve.RenderImage(vol, rs, img, visual.RenderShaded)
//
// # GPU Integration
//
// Importing the gpu package registers a wgpu compute accelerator for the
// fusion update pass of depth-only volumes:
//
//	import _ "github.com/gogpu/tsdf/gpu"
//
// Without it, or when the accelerator declines a batch, fusion runs on the
// CPU executor.
//
// # Coordinates
//
// World and camera coordinates are in metres. Cameras look along +Z with +Y
// pointing down the image. Voxel (i, j, k) is centred on the lattice point
// (i, j, k) * VoxelSize; block (bx, by, bz) holds voxels
// [8bx, 8bx+8) x [8by, 8by+8) x [8bz, 8bz+8).
package tsdf
