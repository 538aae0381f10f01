// Package sim implements an in-process simulated device. Buffers live in
// host memory, the execution stream is a single goroutine draining an
// ordered work queue, and the compute capability is configurable so tests
// can exercise the capability gate. Allocation accounting is exact.
package sim

import (
	"sync"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/parallel"
)

// Device status codes reported in device.Error. They mirror the kinds of
// failures a real driver distinguishes.
const (
	codeInvalidValue = 1
	codeUseAfterFree = 2
	codeDoubleFree   = 3
	codeShutdown     = 4
	codeOutOfMemory  = 5
	codeFault        = 6
)

// buffer is a host-memory device allocation.
type buffer struct {
	data  []byte
	freed bool
}

// Size returns the allocation size in bytes.
func (b *buffer) Size() uint64 {
	return uint64(len(b.data))
}

// Device is a simulated accelerator. The zero value is not usable; create
// one with New.
type Device struct {
	attrs device.Attributes
	par   parallel.Config

	failOps      map[string]bool
	invalidPrune bool

	mu     sync.Mutex
	stats  device.Stats
	limit  uint64 // 0 = unlimited
	closed bool

	work chan func()
	done chan struct{}
}

// Option configures a simulated device.
type Option func(*Device)

// WithComputeCapability overrides the reported compute capability.
func WithComputeCapability(major, minor int) Option {
	return func(d *Device) {
		d.attrs.ComputeCapabilityMajor = major
		d.attrs.ComputeCapabilityMinor = minor
	}
}

// WithName overrides the reported device name.
func WithName(name string) Option {
	return func(d *Device) {
		d.attrs.Name = name
	}
}

// WithMemoryLimit caps live bytes; allocations beyond it fail like a real
// out-of-memory condition.
func WithMemoryLimit(bytes uint64) Option {
	return func(d *Device) {
		d.limit = bytes
	}
}

// WithFailure makes the named device operation fail with an injected
// error. Tests use it to drive error paths a healthy device never takes.
func WithFailure(op string) Option {
	return func(d *Device) {
		if d.failOps == nil {
			d.failOps = make(map[string]bool)
		}
		d.failOps[op] = true
	}
}

// WithInvalidPrune makes PruneCheck always report a violation, the way a
// faulty prune kernel would. Tests use it to drive the post-prune
// validation failure path.
func WithInvalidPrune() Option {
	return func(d *Device) {
		d.invalidPrune = true
	}
}

// New creates a simulated device and starts its stream worker.
// The default capability is 8.0.
func New(opts ...Option) *Device {
	d := &Device{
		attrs: device.Attributes{
			Name:                   "sim",
			ComputeCapabilityMajor: 8,
			ComputeCapabilityMinor: 0,
		},
		par:  parallel.DefaultConfig(),
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.stream()
	return d
}

// stream drains the ordered work queue. One goroutine, so enqueued kernels
// and copies serialize exactly in program order.
func (d *Device) stream() {
	defer close(d.done)
	for fn := range d.work {
		fn()
	}
}

// enqueue places fn on the stream. The caller must already have validated
// its arguments; enqueued work cannot fail.
func (d *Device) enqueue(op string, fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return device.Errorf(op, codeShutdown, "device is closed")
	}
	d.mu.Unlock()
	d.work <- fn
	return nil
}

// Attributes reports the configured device attributes.
func (d *Device) Attributes() (device.Attributes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.Attributes{}, device.Errorf("Attributes", codeShutdown, "device is closed")
	}
	return d.attrs, nil
}

// Alloc allocates size bytes of zeroed device memory.
func (d *Device) Alloc(size uint64) (device.Buffer, error) {
	if err := d.injected("Alloc"); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, device.Errorf("Alloc", codeInvalidValue, "zero-size allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, device.Errorf("Alloc", codeShutdown, "device is closed")
	}
	if d.limit > 0 && d.stats.LiveBytes+size > d.limit {
		return nil, device.Errorf("Alloc", codeOutOfMemory, "out of memory: %d live + %d requested > %d limit",
			d.stats.LiveBytes, size, d.limit)
	}
	buf := &buffer{data: make([]byte, size)}
	d.stats.LiveBuffers++
	d.stats.LiveBytes += size
	if d.stats.LiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.LiveBytes
	}
	d.stats.TotalAllocs++
	d.stats.TotalBytes += size
	return buf, nil
}

// Free releases a buffer. The stream is drained first so queued kernels
// never observe freed memory.
func (d *Device) Free(b device.Buffer) error {
	buf, err := d.check("Free", b)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf.freed {
		return device.Errorf("Free", codeDoubleFree, "buffer already freed")
	}
	buf.freed = true
	d.stats.LiveBuffers--
	d.stats.LiveBytes -= buf.Size()
	d.stats.Frees++
	buf.data = nil
	return nil
}

// CopyToDevice copies host bytes into a device buffer, synchronously.
func (d *Device) CopyToDevice(dst device.Buffer, src []byte) error {
	if err := d.injected("CopyToDevice"); err != nil {
		return err
	}
	buf, err := d.check("CopyToDevice", dst)
	if err != nil {
		return err
	}
	if uint64(len(src)) > buf.Size() {
		return device.Errorf("CopyToDevice", codeInvalidValue, "copy of %d bytes exceeds buffer of %d", len(src), buf.Size())
	}
	if err := d.Sync(); err != nil {
		return err
	}
	copy(buf.data, src)
	return nil
}

// CopyFromDevice drains the stream and copies device bytes to the host.
func (d *Device) CopyFromDevice(dst []byte, src device.Buffer) error {
	if err := d.injected("CopyFromDevice"); err != nil {
		return err
	}
	buf, err := d.check("CopyFromDevice", src)
	if err != nil {
		return err
	}
	if uint64(len(dst)) > buf.Size() {
		return device.Errorf("CopyFromDevice", codeInvalidValue, "copy of %d bytes exceeds buffer of %d", len(dst), buf.Size())
	}
	if err := d.Sync(); err != nil {
		return err
	}
	copy(dst, buf.data)
	return nil
}

// Sync blocks until all enqueued work has completed.
func (d *Device) Sync() error {
	fence := make(chan struct{})
	if err := d.enqueue("Sync", func() { close(fence) }); err != nil {
		return err
	}
	<-fence
	return nil
}

// Stats returns a snapshot of the allocation counters.
func (d *Device) Stats() device.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close stops the stream worker. Live buffers indicate a leak and make
// Close fail; the counters stay inspectable afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	live := d.stats.LiveBuffers
	d.mu.Unlock()

	close(d.work)
	<-d.done

	if live != 0 {
		return device.Errorf("Close", codeInvalidValue, "%d buffers still allocated", live)
	}
	return nil
}

// injected reports the configured failure for op, if any.
func (d *Device) injected(op string) error {
	if d.failOps[op] {
		return device.Errorf(op, codeFault, "injected failure")
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
