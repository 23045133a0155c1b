//go:build !nogpu

// Package gpu registers the WebGPU integration accelerator.
//
// Import it for its side effect:
//
//	import _ "github.com/gogpu/tsdf/gpu"
//
// Depth-only, non-directional volumes are then fused on the GPU. If GPU
// initialisation fails (no Vulkan available) the accelerator stays
// registered but every pass falls back to the CPU. Build with -tags nogpu
// to leave it out entirely.
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/tsdf"
	gpuimpl "github.com/gogpu/tsdf/internal/gpu"
)

func init() {
	if err := tsdf.RegisterAccelerator(&gpuimpl.Integrator{}); err != nil {
		tsdf.Logger().Warn("GPU accelerator not available", "err", err)
	}
}

// SetDeviceProvider makes the accelerator use a device owned by the host
// application instead of its own.
//
// The provider must also expose HalDevice() and HalQueue() for direct HAL
// access; otherwise an error is returned and the accelerator keeps its own
// device.
func SetDeviceProvider(provider gpucontext.DeviceProvider) error {
	return tsdf.SetAcceleratorDeviceProvider(provider)
}
