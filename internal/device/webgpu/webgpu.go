// Package webgpu implements the device contract on a GPU through WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU
// bindings. Buffers are storage buffers, f16 elements travel packed two
// per u32 word, and the sparse kernels are WGSL compute shaders.
package webgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/sparsekit/sparsekit/internal/device"
)

// Device status codes reported in device.Error.
const (
	codeInit         = 1
	codeInvalidValue = 2
	codeUseAfterFree = 3
	codeDoubleFree   = 4
	codeShutdown     = 5
	codeMapFailed    = 6
	codeNotSupported = 7
)

// buffer is a GPU storage buffer. Sizes are rounded up to 4 bytes, the
// WebGPU buffer granularity; Size reports the requested size.
type buffer struct {
	buf   *wgpu.Buffer
	size  uint64
	freed bool
}

// Size returns the requested allocation size in bytes.
func (b *buffer) Size() uint64 {
	return b.size
}

// paddedSize returns the allocated size.
func (b *buffer) paddedSize() uint64 {
	return (b.size + 3) &^ 3
}

// Device is a WebGPU-backed accelerator. Work submitted to the queue
// executes asynchronously in submission order, which gives the single
// ordered stream the pipeline requires.
type Device struct {
	instance    *wgpu.Instance
	adapter     *wgpu.Adapter
	dev         *wgpu.Device
	queue       *wgpu.Queue
	adapterInfo *wgpu.AdapterInfoGo

	// Shader and pipeline cache
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	// fence is a persistent 4-byte buffer; reading it back drains the queue.
	fence *wgpu.Buffer
	// zeroBias substitutes for an absent bias binding.
	zeroBias *wgpu.Buffer

	mu     sync.Mutex
	stats  device.Stats
	closed bool
}

// New opens the default high-performance adapter.
// Returns an error if WebGPU is not available or initialization fails.
func New() (d *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = device.Errorf("New", codeInit, "webgpu native library not available: %v", r)
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil {
		return nil, device.Errorf("CreateInstance", codeInit, "%v", instErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, device.Errorf("RequestAdapter", codeInit, "%v", adapterErr)
	}

	adapterInfo, _ := adapter.GetInfo()

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, device.Errorf("RequestDevice", codeInit, "%v", deviceErr)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, device.Errorf("GetQueue", codeInit, "no queue")
	}

	d = &Device{
		instance:    instance,
		adapter:     adapter,
		dev:         dev,
		queue:       queue,
		adapterInfo: adapterInfo,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
	}
	d.fence = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  4,
	})
	d.zeroBias = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage,
		Size:  4,
	})
	return d, nil
}

// IsAvailable checks if WebGPU is usable on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Attributes reports the adapter name. The capability pair reflects what
// the WGSL sparse kernels implement, so the library gate admits the
// device.
func (d *Device) Attributes() (device.Attributes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.Attributes{}, device.Errorf("Attributes", codeShutdown, "device is closed")
	}
	name := "WebGPU"
	if d.adapterInfo != nil {
		name = fmt.Sprintf("WebGPU (%s %s)", d.adapterInfo.Device, d.adapterInfo.Vendor)
	}
	return device.Attributes{
		Name:                   name,
		ComputeCapabilityMajor: 8,
		ComputeCapabilityMinor: 0,
	}, nil
}

// Alloc allocates a zero-initialized storage buffer.
func (d *Device) Alloc(size uint64) (device.Buffer, error) {
	if size == 0 {
		return nil, device.Errorf("Alloc", codeInvalidValue, "zero-size allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.Errorf("Alloc", codeShutdown, "device is closed")
	}
	b := &buffer{size: size}
	b.buf = d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  b.paddedSize(),
	})
	if b.buf == nil {
		return nil, device.Errorf("Alloc", codeInvalidValue, "buffer creation failed for %d bytes", size)
	}
	d.stats.LiveBuffers++
	d.stats.LiveBytes += size
	if d.stats.LiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.LiveBytes
	}
	d.stats.TotalAllocs++
	d.stats.TotalBytes += size
	return b, nil
}

// Free releases a buffer. Submitted work holds its own references, so the
// release is safe without draining the queue.
func (d *Device) Free(b device.Buffer) error {
	buf, err := d.check("Free", b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf.freed {
		return device.Errorf("Free", codeDoubleFree, "buffer already freed")
	}
	buf.freed = true
	buf.buf.Release()
	buf.buf = nil
	d.stats.LiveBuffers--
	d.stats.LiveBytes -= buf.size
	d.stats.Frees++
	return nil
}

// CopyToDevice uploads host bytes through a mapped staging buffer.
func (d *Device) CopyToDevice(dst device.Buffer, src []byte) error {
	buf, err := d.check("CopyToDevice", dst)
	if err != nil {
		return err
	}
	if uint64(len(src)) > buf.size {
		return device.Errorf("CopyToDevice", codeInvalidValue, "copy of %d bytes exceeds buffer of %d", len(src), buf.size)
	}
	if len(src) == 0 {
		return nil
	}

	size := (uint64(len(src)) + 3) &^ 3
	staging := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, src)
	staging.Unmap()

	encoder := d.dev.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, buf.buf, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// CopyFromDevice reads device bytes back through a mapped staging buffer.
// Mapping completes only after all previously submitted work, so this is
// the stream synchronization point.
func (d *Device) CopyFromDevice(dst []byte, src device.Buffer) error {
	buf, err := d.check("CopyFromDevice", src)
	if err != nil {
		return err
	}
	if uint64(len(dst)) > buf.size {
		return device.Errorf("CopyFromDevice", codeInvalidValue, "copy of %d bytes exceeds buffer of %d", len(dst), buf.size)
	}
	if len(dst) == 0 {
		return nil
	}
	data, err := d.readBuffer(buf.buf, (uint64(len(dst))+3)&^3)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// readBuffer reads size bytes from a GPU buffer via a staging buffer.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.dev.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.dev, wgpu.MapModeRead, 0, size); err != nil {
		return nil, device.Errorf("CopyFromDevice", codeMapFailed, "map staging buffer: %v", err)
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	staging.Unmap()
	return result, nil
}

// Sync drains the queue by reading back the fence buffer.
func (d *Device) Sync() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.Errorf("Sync", codeShutdown, "device is closed")
	}
	fence := d.fence
	d.mu.Unlock()
	_, err := d.readBuffer(fence, 4)
	return err
}

// Stats returns a snapshot of the allocation counters.
func (d *Device) Stats() device.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases pipelines, shaders and the WebGPU objects. Live buffers
// indicate a leak and make Close fail after releasing everything else.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	live := d.stats.LiveBuffers
	d.mu.Unlock()

	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = nil
	for _, s := range d.shaders {
		s.Release()
	}
	d.shaders = nil

	if d.fence != nil {
		d.fence.Release()
		d.fence = nil
	}
	if d.zeroBias != nil {
		d.zeroBias.Release()
		d.zeroBias = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.dev != nil {
		d.dev.Release()
		d.dev = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}

	if live != 0 {
		return device.Errorf("Close", codeInvalidValue, "%d buffers still allocated", live)
	}
	return nil
}

// check validates that b is a live buffer belonging to this device.
func (d *Device) check(op string, b device.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok || buf == nil {
		return nil, device.Errorf(op, codeInvalidValue, "buffer does not belong to this device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.Errorf(op, codeShutdown, "device is closed")
	}
	if buf.freed {
		return nil, device.Errorf(op, codeUseAfterFree, "buffer already freed")
	}
	return buf, nil
}

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached.
func (d *Device) compileShader(name, code string) *wgpu.ShaderModule {
	d.mu.Lock()
	defer d.mu.Unlock()
	if shader, exists := d.shaders[name]; exists {
		return shader
	}
	shader := d.dev.CreateShaderModuleWGSL(code)
	d.shaders[name] = shader
	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or creates one.
func (d *Device) getOrCreatePipeline(name string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pipeline, exists := d.pipelines[name]; exists {
		return pipeline
	}
	pipeline := d.dev.CreateComputePipelineSimple(nil, shader, "main")
	d.pipelines[name] = pipeline
	return pipeline
}
