//go:build !nogpu

// Package gpu provides the WebGPU integration backend for tsdf.
//
// It uses the gogpu/wgpu Pure Go WebGPU implementation (zero CGO) through
// its HAL layer, currently with the Vulkan backend.
//
// # Integration pass
//
// Integrator implements tsdf.Accelerator. For each frame the fusion engine
// hands it the visible blocks of a depth-only volume:
//
//	blocks -> gather voxels -> upload -> compute (one invocation per voxel) -> readback -> scatter
//
// The shader mirrors the CPU update: project the voxel, read the depth
// pixel, reject samples outside the truncation band or without a normal,
// weight by depth and incidence angle and apply the running average capped
// at MaxWeight. Colour and directional volumes stay on the CPU.
//
// # Device sharing
//
// A host application that already owns a device passes it through
// SetDeviceProvider; the integrator then rebuilds its pipeline on that
// device and never destroys it.
//
// # Thread safety
//
// Integrator serialises all calls with a mutex. One dispatch covers at most
// 4096 blocks; larger batches are split.
package gpu
