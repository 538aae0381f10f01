package webgpu

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/sparsekit/sparsekit/internal/device"
)

// maxWorkgroups is the WebGPU per-dimension dispatch limit.
const maxWorkgroups = 65535

// binding pairs a buffer with the size visible to the shader.
type binding struct {
	buf  *wgpu.Buffer
	size uint64
}

// createUniformBuffer creates a uniform buffer with proper alignment.
// Uniform buffers require 16-byte alignment for struct fields.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15 // Round up to 16-byte boundary

	buffer := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             alignedSize,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, alignedSize)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), alignedSize)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// packParams serializes little-endian u32 words for a uniform struct.
func packParams(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// dispatch runs one compute pass: compile (or fetch) the pipeline, bind
// the storage buffers in order plus the params uniform at the last
// binding, and submit. clear, when set, is zeroed with a buffer copy in
// the same command buffer before the pass runs.
func (d *Device) dispatch(op, shaderName, code string, params []byte, bindings []binding, workgroups uint32, clear *wgpu.Buffer) error {
	if workgroups > maxWorkgroups {
		return device.Errorf(op, codeNotSupported, "dispatch of %d workgroups exceeds the WebGPU limit", workgroups)
	}

	shader := d.compileShader(shaderName, code)
	pipeline := d.getOrCreatePipeline(shaderName, shader)

	bufferParams := d.createUniformBuffer(params)
	defer bufferParams.Release()

	paramsSize := (uint64(len(params)) + 15) &^ 15
	entries := make([]wgpu.BindGroupEntry, 0, len(bindings)+1)
	for i, bnd := range bindings {
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), bnd.buf, 0, bnd.size))
	}
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bindings)), bufferParams, 0, paramsSize))

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := d.dev.CreateBindGroupSimple(bindGroupLayout, entries)
	defer bindGroup.Release()

	encoder := d.dev.CreateCommandEncoder(nil)
	if clear != nil {
		// Fresh buffers are zero-initialized; the copy resets a reused one.
		zero := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageCopySrc,
			Size:  4,
		})
		defer zero.Release()
		encoder.CopyBufferToBuffer(zero, 0, clear, 0, 4)
	}

	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// checkMatrixArgs validates kernel geometry against a buffer size. The
// shaders walk densely packed matrices, so padded leading dimensions and
// gapped batch strides are rejected rather than mis-read.
func (d *Device) checkMatrixArgs(op string, buf *buffer, args device.MatrixArgs) error {
	if args.Rows <= 0 || args.Cols <= 0 || args.Batches <= 0 {
		return device.Errorf(op, codeInvalidValue, "non-positive dimensions %d×%d batches=%d", args.Rows, args.Cols, args.Batches)
	}
	if args.Cols%4 != 0 {
		return device.Errorf(op, codeInvalidValue, "cols %d not divisible by the sparsity group width", args.Cols)
	}
	if args.Ld != args.Cols {
		return device.Errorf(op, codeNotSupported, "padded leading dimension %d (cols %d) is not supported", args.Ld, args.Cols)
	}
	if args.BatchStride != 0 && args.BatchStride != int64(args.Rows)*int64(args.Cols) {
		return device.Errorf(op, codeNotSupported, "gapped batch stride %d is not supported", args.BatchStride)
	}
	need := uint64(args.Slices()) * uint64(args.Rows) * uint64(args.Cols) * 2
	if need > buf.Size() {
		return device.Errorf(op, codeInvalidValue, "geometry needs %d bytes, buffer has %d", need, buf.Size())
	}
	return nil
}

// totalGroups returns the number of four-wide groups across all slices.
func totalGroups(args device.MatrixArgs) uint32 {
	return uint32(args.Slices()) * uint32(args.Rows) * uint32(args.Cols) / 4
}

func groupWorkgroups(threads uint32) uint32 {
	return (threads + workgroupSize - 1) / workgroupSize
}

// PruneStrip enforces 2:4 sparsity in place: each four-wide group along a
// row keeps its two largest-magnitude elements.
func (d *Device) PruneStrip(w device.Buffer, args device.MatrixArgs) error {
	buf, err := d.check("PruneStrip", w)
	if err != nil {
		return err
	}
	if err := d.checkMatrixArgs("PruneStrip", buf, args); err != nil {
		return err
	}
	groups := totalGroups(args)
	return d.dispatch("PruneStrip", "prune_strip", shaderPruneStrip,
		packParams(groups),
		[]binding{{buf.buf, buf.paddedSize()}},
		groupWorkgroups(groups), nil)
}

// PruneCheck writes a nonzero int32 into flag if any four-wide group has
// more than two nonzero elements. The flag is cleared on the stream
// before the check runs.
func (d *Device) PruneCheck(w device.Buffer, args device.MatrixArgs, flag device.Buffer) error {
	buf, err := d.check("PruneCheck", w)
	if err != nil {
		return err
	}
	if err := d.checkMatrixArgs("PruneCheck", buf, args); err != nil {
		return err
	}
	flagBuf, err := d.check("PruneCheck", flag)
	if err != nil {
		return err
	}
	if flagBuf.Size() < 4 {
		return device.Errorf("PruneCheck", codeInvalidValue, "flag buffer smaller than int32")
	}
	groups := totalGroups(args)
	return d.dispatch("PruneCheck", "prune_check", shaderPruneCheck,
		packParams(groups),
		[]binding{{buf.buf, buf.paddedSize()}, {flagBuf.buf, flagBuf.paddedSize()}},
		groupWorkgroups(groups), flagBuf.buf)
}

// Compress packs the pruned weight into the values-then-metadata form
// described by layout.
func (d *Device) Compress(w device.Buffer, args device.MatrixArgs, out device.Buffer, layout device.CompressedLayout) error {
	buf, err := d.check("Compress", w)
	if err != nil {
		return err
	}
	if err := d.checkMatrixArgs("Compress", buf, args); err != nil {
		return err
	}
	outBuf, err := d.check("Compress", out)
	if err != nil {
		return err
	}
	if layout.Rows != args.Rows || layout.Cols != args.Cols || layout.Slices != args.Slices() {
		return device.Errorf("Compress", codeInvalidValue, "layout %d×%d/%d does not match matrix %d×%d/%d",
			layout.Rows, layout.Cols, layout.Slices, args.Rows, args.Cols, args.Slices())
	}
	if outBuf.Size() < layout.TotalBytes() {
		return device.Errorf("Compress", codeInvalidValue, "output buffer %d smaller than compressed size %d",
			outBuf.Size(), layout.TotalBytes())
	}

	groupsPerSlice := uint32(args.Rows) * uint32(args.Cols) / 4
	metaWords := uint32(layout.MetaBytes / 4)
	threads := metaWords * uint32(layout.Slices)
	return d.dispatch("Compress", "compress", shaderCompress,
		packParams(
			groupsPerSlice,
			uint32(args.Rows)*uint32(args.Cols)/2, // input words per slice
			uint32(layout.ValuesBytes/4),
			metaWords,
			uint32(layout.SliceBytes()/4),
			uint32(layout.Slices),
		),
		[]binding{{buf.buf, buf.paddedSize()}, {outBuf.buf, outBuf.paddedSize()}},
		groupWorkgroups(threads), nil)
}

// MatmulCompressed computes D = Alpha*(W_compressed × A) + Beta*C + bias
// with f32 accumulation and f16 rounding on store. C and D are the same
// buffer; with Beta == 0 the prior contents are never read.
func (d *Device) MatmulCompressed(args device.MatmulArgs, compressed device.Buffer, layout device.CompressedLayout,
	activation, out, bias, workspace device.Buffer) error {
	op := "MatmulCompressed"
	cBuf, err := d.check(op, compressed)
	if err != nil {
		return err
	}
	aBuf, err := d.check(op, activation)
	if err != nil {
		return err
	}
	outBuf, err := d.check(op, out)
	if err != nil {
		return err
	}
	var biasBuf *buffer
	if bias != nil {
		if biasBuf, err = d.check(op, bias); err != nil {
			return err
		}
		if biasBuf.Size() < uint64(args.M)*4 {
			return device.Errorf(op, codeInvalidValue, "bias buffer holds %d bytes, need %d", biasBuf.Size(), args.M*4)
		}
	}
	if workspace != nil {
		// Scratch is accepted for interface compatibility; the shader does
		// not use it.
		if _, err = d.check(op, workspace); err != nil {
			return err
		}
	}
	if args.M <= 0 || args.N <= 0 || args.K <= 0 || args.Batches <= 0 {
		return device.Errorf(op, codeInvalidValue, "non-positive dimensions m=%d n=%d k=%d batches=%d",
			args.M, args.N, args.K, args.Batches)
	}
	if args.K%4 != 0 {
		return device.Errorf(op, codeInvalidValue, "k %d not divisible by the sparsity group width", args.K)
	}
	if layout.Rows != args.M || layout.Cols != args.K {
		return device.Errorf(op, codeInvalidValue, "compressed layout %d×%d does not match m=%d k=%d",
			layout.Rows, layout.Cols, args.M, args.K)
	}
	if cBuf.Size() < layout.TotalBytes() {
		return device.Errorf(op, codeInvalidValue, "compressed buffer %d smaller than layout size %d",
			cBuf.Size(), layout.TotalBytes())
	}
	if args.Batches > 1 {
		if args.StrideOut != int64(args.M)*int64(args.N) {
			return device.Errorf(op, codeNotSupported, "gapped output stride %d is not supported", args.StrideOut)
		}
		if args.StrideA != 0 && args.StrideA != int64(args.K)*int64(args.N) {
			return device.Errorf(op, codeNotSupported, "gapped activation stride %d is not supported", args.StrideA)
		}
	}
	wBroadcast := uint32(1)
	if args.StrideW != 0 && layout.Slices > 1 {
		if layout.Slices != args.Batches {
			return device.Errorf(op, codeInvalidValue, "%d compressed slices for batch count %d", layout.Slices, args.Batches)
		}
		wBroadcast = 0
	}
	aSlices, outSlices := 1, 1
	if args.StrideA != 0 {
		aSlices = args.Batches
	}
	if args.StrideOut != 0 {
		outSlices = args.Batches
	}
	if need := uint64((int64(aSlices-1))*args.StrideA+int64(args.K)*int64(args.N)) * 2; aBuf.Size() < need {
		return device.Errorf(op, codeInvalidValue, "activation buffer %d smaller than %d", aBuf.Size(), need)
	}
	if need := uint64((int64(outSlices-1))*args.StrideOut+int64(args.M)*int64(args.N)) * 2; outBuf.Size() < need {
		return device.Errorf(op, codeInvalidValue, "output buffer %d smaller than %d", outBuf.Size(), need)
	}

	strideA := uint32(0)
	if args.Batches > 1 && args.StrideA != 0 {
		strideA = uint32(args.StrideA)
	}
	hasBias := uint32(0)
	biasBinding := binding{d.zeroBias, 4}
	if biasBuf != nil {
		hasBias = 1
		biasBinding = binding{biasBuf.buf, biasBuf.paddedSize()}
	}

	words := (uint32(args.Batches)*uint32(args.M)*uint32(args.N) + 1) / 2
	return d.dispatch(op, "spmm", shaderSpmm,
		packParams(
			uint32(args.M), uint32(args.N), uint32(args.K), uint32(args.Batches),
			wBroadcast, strideA,
			uint32(layout.SliceBytes()/4),
			uint32(layout.ValuesBytes/4),
			hasBias,
			math.Float32bits(args.Alpha),
			math.Float32bits(args.Beta),
		),
		[]binding{
			{cBuf.buf, cBuf.paddedSize()},
			{aBuf.buf, aBuf.paddedSize()},
			{outBuf.buf, outBuf.paddedSize()},
			biasBinding,
		},
		groupWorkgroups(words), nil)
}
