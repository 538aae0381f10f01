// Package device defines the raw accelerator contract the sparse matmul
// pipeline runs on: buffer allocation and transfer, a single ordered
// execution stream, and the structured-sparsity kernel entry points.
//
// Implementations: internal/device/sim (in-process, used by tests) and
// internal/device/webgpu (GPU via WebGPU).
package device

import "fmt"

// Attributes describes a device: its name and compute capability as
// reported by the driver. The capability pair gates library support.
type Attributes struct {
	Name                   string
	ComputeCapabilityMajor int
	ComputeCapabilityMinor int
}

// Buffer is an opaque handle to device memory. Buffers are created by
// Device.Alloc and owned by the caller until Device.Free.
type Buffer interface {
	// Size returns the allocation size in bytes.
	Size() uint64
}

// Stats tracks device memory accounting. Every implementation maintains
// these counters so callers can verify allocation/free pairing.
type Stats struct {
	// LiveBuffers is the number of currently allocated buffers.
	LiveBuffers int64
	// LiveBytes is the memory currently held by live buffers.
	LiveBytes uint64
	// PeakBytes is the high-water mark of LiveBytes.
	PeakBytes uint64
	// TotalAllocs and TotalBytes count all allocations since creation.
	TotalAllocs uint64
	TotalBytes  uint64
	// Frees counts completed Free calls.
	Frees uint64
}

// MatrixArgs tells a kernel how to walk a device-resident matrix buffer:
// per-slice dimensions, leading dimension in elements, and batching.
// BatchStride is in elements; zero means a single slice broadcast across
// the batch (the buffer then holds exactly one slice).
type MatrixArgs struct {
	Rows, Cols  int
	Ld          int
	Batches     int
	BatchStride int64
}

// Slices returns the number of distinct slices stored in the buffer.
func (m MatrixArgs) Slices() int {
	if m.BatchStride == 0 {
		return 1
	}
	return m.Batches
}

// CompressedLayout describes the compact on-device form of a 2:4
// structured-sparse f16 matrix. Each slice stores the kept values first
// (two f16 per four-wide group, row-major), then one metadata nibble per
// group holding the two 2-bit in-group indexes of the kept values.
// Both regions are padded to Alignment so slices stay aligned.
type CompressedLayout struct {
	Rows, Cols int
	Slices     int
	// ValuesBytes and MetaBytes are per-slice region sizes, already padded.
	ValuesBytes uint64
	MetaBytes   uint64
}

// SliceBytes returns the stride between compressed slices.
func (l CompressedLayout) SliceBytes() uint64 {
	return l.ValuesBytes + l.MetaBytes
}

// TotalBytes returns the full compressed buffer size.
func (l CompressedLayout) TotalBytes() uint64 {
	return l.SliceBytes() * uint64(l.Slices)
}

// MatmulArgs carries everything the compressed-times-dense kernel needs.
// Strides are in elements; a zero weight stride broadcasts the single
// compressed slice across the batch. Scales follow BLAS convention:
// D = Alpha*(W×A) + Beta*C + bias.
type MatmulArgs struct {
	M, N, K     int
	Batches     int
	StrideW     int64
	StrideA     int64
	StrideOut   int64
	Alpha, Beta float32
}

// Device is a single accelerator with one ordered execution stream.
//
// Alloc, Free and CopyToDevice are synchronous with respect to the host.
// The kernel entry points enqueue work on the stream and return once the
// work is ordered, not once it completes; CopyFromDevice and Sync drain
// the stream first. A Device may serve several independent sessions, but
// a single session must not be driven from two goroutines at once.
type Device interface {
	// Attributes reports the device name and compute capability.
	Attributes() (Attributes, error)

	// Alloc allocates size bytes of device memory.
	Alloc(size uint64) (Buffer, error)
	// Free releases a buffer. Freeing a buffer twice is an error.
	Free(Buffer) error
	// CopyToDevice copies len(src) bytes from host memory into dst.
	CopyToDevice(dst Buffer, src []byte) error
	// CopyFromDevice drains the stream, then copies len(dst) bytes from
	// src into host memory.
	CopyFromDevice(dst []byte, src Buffer) error
	// Sync blocks until all enqueued work has completed.
	Sync() error

	// PruneStrip rewrites the f16 weight buffer in place so every
	// four-wide group along the rows keeps its two largest-magnitude
	// elements and zeroes the rest.
	PruneStrip(w Buffer, args MatrixArgs) error
	// PruneCheck verifies the 2:4 constraint over w and writes a nonzero
	// int32 into flag if any group violates it.
	PruneCheck(w Buffer, args MatrixArgs, flag Buffer) error
	// Compress packs the pruned weight into the compact representation.
	Compress(w Buffer, args MatrixArgs, out Buffer, layout CompressedLayout) error
	// MatmulCompressed computes D = Alpha*(W_compressed × A) + Beta*C + bias,
	// where C and D are the out buffer. bias is f32 with M elements and may
	// be nil. workspace is optional scratch and may be nil.
	MatmulCompressed(args MatmulArgs, compressed Buffer, layout CompressedLayout,
		activation, out, bias, workspace Buffer) error

	// Stats returns the allocation accounting counters.
	Stats() Stats
	// Close releases the device. All buffers must have been freed.
	Close() error
}

// Error is a raw device API failure: allocation, copy, free or kernel
// launch. Op names the failing call, Code is the device status code.
type Error struct {
	Op   string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("device: %s failed with error: %s (%d)", e.Op, e.Msg, e.Code)
}

// Errorf builds a device error for op with a formatted message.
func Errorf(op string, code int, format string, a ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, a...)}
}
