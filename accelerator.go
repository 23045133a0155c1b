package tsdf

import (
	"errors"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// ErrFallbackToCPU indicates the accelerator cannot handle this request.
// The caller runs the CPU path instead.
var ErrFallbackToCPU = errors.New("tsdf: falling back to CPU integration")

// AcceleratedOp describes operation types for accelerator capability checks.
type AcceleratedOp uint32

const (
	// AccelIntegrate is the per-voxel update pass of depth-only,
	// non-directional volumes.
	AccelIntegrate AcceleratedOp = 1 << iota
)

// IntegrationBatch is the input of one accelerated update pass. Voxels is
// the whole pool payload and is updated in place; Slots and Coords list the
// blocks to update, one voxel invocation per entry of each block.
type IntegrationBatch struct {
	Voxels        []Voxel
	Slots         []int32
	Coords        []BlockCoord
	Depth         *DepthImage
	Normals       []mgl32.Vec4 // camera space, w < 0 marks a missing normal
	Intrinsics    Intrinsics
	WorldToCamera mgl32.Mat4
	Params        SceneParams
}

// Accelerator is an optional data-parallel backend.
//
// When registered via RegisterAccelerator, fusion tries the accelerator first
// for supported operations. ErrFallbackToCPU or any other error makes the
// caller fall back to the CPU path for that frame.
//
// Implementations live in backend packages and are enabled by blank import:
//
//	import _ "github.com/gogpu/tsdf/gpu"
type Accelerator interface {
	// Name returns the accelerator name (e.g. "wgpu").
	Name() string

	// Init acquires device resources. Called once during registration.
	Init() error

	// Close releases device resources.
	Close()

	// CanAccelerate reports whether the operation is supported at all.
	CanAccelerate(op AcceleratedOp) bool

	// Integrate runs the update pass for the batch.
	Integrate(batch *IntegrationBatch) error
}

// DeviceProviderAware is implemented by accelerators that can reuse a device
// owned by the host application instead of opening their own.
type DeviceProviderAware interface {
	SetDeviceProvider(provider any) error
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// RegisterAccelerator installs a. Init is called first; on failure nothing
// is registered and the error is returned. A previously registered
// accelerator is closed.
func RegisterAccelerator(a Accelerator) error {
	if a == nil {
		return errors.New("tsdf: accelerator must not be nil")
	}
	if err := a.Init(); err != nil {
		return err
	}
	accelMu.Lock()
	old := accel
	accel = a
	accelMu.Unlock()
	if old != nil {
		old.Close()
	}
	propagateLogger(a, Logger())
	Logger().Info("tsdf: accelerator registered", "name", a.Name())
	return nil
}

// UnregisterAccelerator closes and removes the registered accelerator.
func UnregisterAccelerator() {
	accelMu.Lock()
	old := accel
	accel = nil
	accelMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// RegisteredAccelerator returns the registered accelerator, or nil.
func RegisteredAccelerator() Accelerator {
	accelMu.RLock()
	a := accel
	accelMu.RUnlock()
	return a
}

// SetAcceleratorDeviceProvider passes a device provider to the registered
// accelerator. It is a no-op when no accelerator is registered or the
// accelerator cannot share devices.
func SetAcceleratorDeviceProvider(provider any) error {
	a := RegisteredAccelerator()
	if a == nil {
		return nil
	}
	if dpa, ok := a.(DeviceProviderAware); ok {
		return dpa.SetDeviceProvider(provider)
	}
	return nil
}
