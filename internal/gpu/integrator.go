//go:build !nogpu

package gpu

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/tsdf"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

//go:embed shaders/tsdf_integrate.wgsl
var integrateShaderSource string

const (
	workgroupSize = 64

	// maxDispatchBlocks keeps one dispatch under the 65535 workgroup limit.
	maxDispatchBlocks = 4096
)

// IntegrateParams is the uniform block of the integration shader. Its layout
// matches the WGSL Params struct.
type IntegrateParams struct {
	WorldToCamera [16]float32

	Fx, Fy, Cx, Cy float32

	VoxelSize      float32
	Mu             float32
	MaxWeight      float32
	ViewFrustumMin float32

	Width, Height uint32
	Blocks        uint32
	_             uint32
}

// NewIntegrateParams fills the uniform block for a batch.
func NewIntegrateParams(b *tsdf.IntegrationBatch, blocks int) IntegrateParams {
	return IntegrateParams{
		WorldToCamera:  b.WorldToCamera,
		Fx:             b.Intrinsics.Fx,
		Fy:             b.Intrinsics.Fy,
		Cx:             b.Intrinsics.Cx,
		Cy:             b.Intrinsics.Cy,
		VoxelSize:      b.Params.VoxelSize,
		Mu:             b.Params.Mu,
		MaxWeight:      b.Params.MaxWeight,
		ViewFrustumMin: b.Params.ViewFrustumMin,
		Width:          uint32(b.Depth.Width),  //nolint:gosec // image sizes fit uint32
		Height:         uint32(b.Depth.Height), //nolint:gosec // image sizes fit uint32
		Blocks:         uint32(blocks),         //nolint:gosec // bounded by maxDispatchBlocks
	}
}

// Integrator runs the TSDF update pass with wgpu/hal compute shaders. It
// implements tsdf.Accelerator for depth-only, non-directional volumes.
//
// Init never fails: without a usable device the integrator stays registered
// and Integrate returns tsdf.ErrFallbackToCPU until SetDeviceProvider hands
// it a shared device.
type Integrator struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	gpuReady       bool
	externalDevice bool // true when using shared device (don't destroy on Close)
}

var _ tsdf.Accelerator = (*Integrator)(nil)

func (a *Integrator) Name() string { return "wgpu" }

func (a *Integrator) CanAccelerate(op tsdf.AcceleratedOp) bool {
	return op&tsdf.AccelIntegrate != 0
}

// Ready reports whether a device and pipeline are available.
func (a *Integrator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gpuReady
}

func (a *Integrator) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initGPU(); err != nil {
		logger().Warn("gpu: GPU init failed, using CPU integration", "err", err)
	}
	return nil
}

// SetLogger receives the logger from tsdf.SetLogger.
func (a *Integrator) SetLogger(l *slog.Logger) { setLogger(l) }

func (a *Integrator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyPipelines()
	if !a.externalDevice {
		if a.device != nil {
			a.device.Destroy()
		}
		if a.instance != nil {
			a.instance.Destroy()
		}
	}
	a.device = nil
	a.instance = nil
	a.queue = nil
	a.gpuReady = false
	a.externalDevice = false
}

// SetDeviceProvider switches the integrator to a GPU device owned by the
// host application. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func (a *Integrator) SetDeviceProvider(provider any) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return errors.New("gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return errors.New("gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return errors.New("gpu: provider HalQueue is not hal.Queue")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.destroyPipelines()
	if !a.externalDevice && a.device != nil {
		a.device.Destroy()
	}
	if a.instance != nil {
		a.instance.Destroy()
		a.instance = nil
	}

	a.device = device
	a.queue = queue
	a.externalDevice = true

	if err := a.createPipelines(); err != nil {
		a.gpuReady = false
		return fmt.Errorf("gpu: create pipelines with shared device: %w", err)
	}
	a.gpuReady = true
	logger().Info("gpu: switched to shared GPU device")
	return nil
}

// Integrate updates the voxels of every batch block in place.
func (a *Integrator) Integrate(b *tsdf.IntegrationBatch) error {
	if b.Params.Directional || b.Depth == nil {
		return tsdf.ErrFallbackToCPU
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.gpuReady {
		return tsdf.ErrFallbackToCPU
	}

	start := time.Now()
	for lo := 0; lo < len(b.Slots); lo += maxDispatchBlocks {
		hi := min(lo+maxDispatchBlocks, len(b.Slots))
		if err := a.dispatch(b, lo, hi); err != nil {
			return fmt.Errorf("gpu: integrate blocks [%d, %d): %w", lo, hi, err)
		}
	}
	logger().Debug("gpu: integration pass",
		"blocks", len(b.Slots),
		"duration", time.Since(start))
	return nil
}

// PackOrigins returns the voxel-space origin of each block as four int32,
// the layout of the shader's origins array.
func PackOrigins(coords []tsdf.BlockCoord) []int32 {
	out := make([]int32, 4*len(coords))
	for i, c := range coords {
		out[4*i], out[4*i+1], out[4*i+2] = c.Origin()
	}
	return out
}

// GatherVoxels copies the voxels of the given slots into one contiguous
// slice, block after block.
func GatherVoxels(pool []tsdf.Voxel, slots []int32) []tsdf.Voxel {
	out := make([]tsdf.Voxel, len(slots)*tsdf.BlockSize3)
	for i, slot := range slots {
		off := int(slot) * tsdf.BlockSize3
		copy(out[i*tsdf.BlockSize3:], pool[off:off+tsdf.BlockSize3])
	}
	return out
}

// ScatterVoxels is the inverse of GatherVoxels.
func ScatterVoxels(pool []tsdf.Voxel, slots []int32, packed []tsdf.Voxel) {
	for i, slot := range slots {
		off := int(slot) * tsdf.BlockSize3
		copy(pool[off:off+tsdf.BlockSize3], packed[i*tsdf.BlockSize3:])
	}
}

func (a *Integrator) dispatch(b *tsdf.IntegrationBatch, lo, hi int) error {
	slots := b.Slots[lo:hi]
	params := NewIntegrateParams(b, len(slots))
	voxels := GatherVoxels(b.Voxels, slots)
	voxelBytes := sliceBytes(voxels)

	uploads := []struct {
		label string
		data  []byte
		usage gputypes.BufferUsage
	}{
		{"tsdf_params", structBytes(&params), gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
		{"tsdf_origins", sliceBytes(PackOrigins(b.Coords[lo:hi])), gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst},
		{"tsdf_depth", sliceBytes(b.Depth.Pix), gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst},
		{"tsdf_normals", sliceBytes(b.Normals), gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst},
		{"tsdf_voxels", voxelBytes, gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst},
	}
	bufs := make([]hal.Buffer, 0, len(uploads)+1)
	defer func() {
		for _, buf := range bufs {
			a.device.DestroyBuffer(buf)
		}
	}()

	entries := make([]gputypes.BindGroupEntry, 0, len(uploads))
	for i, u := range uploads {
		buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
			Label: u.label, Size: uint64(len(u.data)), Usage: u.usage,
		})
		if err != nil {
			return fmt.Errorf("create %s buffer: %w", u.label, err)
		}
		bufs = append(bufs, buf)
		a.queue.WriteBuffer(buf, 0, u.data)
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(i), //nolint:gosec // binding index
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: uint64(len(u.data))},
		})
	}
	voxelBuf := bufs[len(bufs)-1]

	staging, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "tsdf_staging", Size: uint64(len(voxelBytes)),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	bufs = append(bufs, staging)

	bg, err := a.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: "tsdf_bind", Layout: a.bindLayout, Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer a.device.DestroyBindGroup(bg)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "tsdf_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("tsdf_integrate"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "tsdf_integrate_pass"})
	pass.SetPipeline(a.pipeline)
	pass.SetBindGroup(0, bg, nil)
	invocations := uint32(len(slots) * tsdf.BlockSize3) //nolint:gosec // bounded by maxDispatchBlocks
	pass.Dispatch((invocations+workgroupSize-1)/workgroupSize, 1, 1)
	pass.End()
	encoder.CopyBufferToBuffer(voxelBuf, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: uint64(len(voxelBytes))},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer a.device.FreeCommandBuffer(cmdBuf)

	fence, err := a.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer a.device.DestroyFence(fence)
	if err := a.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fenceOK, err := a.device.Wait(fence, 1, 5*time.Second)
	if err != nil || !fenceOK {
		return fmt.Errorf("wait for GPU: ok=%v err=%w", fenceOK, err)
	}

	if err := a.queue.ReadBuffer(staging, 0, voxelBytes); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	ScatterVoxels(b.Voxels, slots, voxels)
	return nil
}

func (a *Integrator) initGPU() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return errors.New("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	a.instance = instance
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return errors.New("no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	a.device = openDev.Device
	a.queue = openDev.Queue
	if err := a.createPipelines(); err != nil {
		a.device.Destroy()
		a.device = nil
		a.queue = nil
		return fmt.Errorf("create pipelines: %w", err)
	}
	a.gpuReady = true
	logger().Info("gpu: integration accelerator initialized", "adapter", selected.Info.Name)
	return nil
}

func (a *Integrator) createPipelines() error {
	shader, err := a.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "tsdf_integrate",
		Source: hal.ShaderSource{WGSL: integrateShaderSource},
	})
	if err != nil {
		return fmt.Errorf("compile tsdf_integrate shader: %w", err)
	}
	a.shader = shader

	entry := func(binding uint32, kind gputypes.BufferBindingType) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding: binding, Visibility: gputypes.ShaderStageCompute,
			Buffer: &gputypes.BufferBindingLayout{Type: kind},
		}
	}
	bindLayout, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "tsdf_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			entry(0, gputypes.BufferBindingTypeUniform),
			entry(1, gputypes.BufferBindingTypeReadOnlyStorage),
			entry(2, gputypes.BufferBindingTypeReadOnlyStorage),
			entry(3, gputypes.BufferBindingTypeReadOnlyStorage),
			entry(4, gputypes.BufferBindingTypeStorage),
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	a.bindLayout = bindLayout

	pipeLayout, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "tsdf_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{a.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	a.pipeLayout = pipeLayout

	pipeline, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "tsdf_integrate_pipeline", Layout: a.pipeLayout,
		Compute: hal.ComputeState{Module: a.shader, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	a.pipeline = pipeline
	return nil
}

func (a *Integrator) destroyPipelines() {
	if a.device == nil {
		return
	}
	if a.pipeline != nil {
		a.device.DestroyComputePipeline(a.pipeline)
		a.pipeline = nil
	}
	if a.pipeLayout != nil {
		a.device.DestroyPipelineLayout(a.pipeLayout)
		a.pipeLayout = nil
	}
	if a.bindLayout != nil {
		a.device.DestroyBindGroupLayout(a.bindLayout)
		a.bindLayout = nil
	}
	if a.shader != nil {
		a.device.DestroyShaderModule(a.shader)
		a.shader = nil
	}
}

func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v)) //nolint:gosec // plain-old-data upload
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(s[0]))) //nolint:gosec // plain-old-data upload
}
