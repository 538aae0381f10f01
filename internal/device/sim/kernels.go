package sim

import (
	"encoding/binary"
	"math"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/parallel"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// Reference implementations of the structured-sparsity kernels. Arguments
// are validated host-side on enqueue; the enqueued work itself is total.

func getF16(data []byte, elem int64) float32 {
	return tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[elem*2:]))
}

func putF16(data []byte, elem int64, v float32) {
	binary.LittleEndian.PutUint16(data[elem*2:], tensor.Float32ToFloat16(v))
}

// isZeroF16 reports whether the f16 at elem encodes ±0.
func isZeroF16(data []byte, elem int64) bool {
	return binary.LittleEndian.Uint16(data[elem*2:])&0x7FFF == 0
}

// checkMatrixArgs validates kernel geometry against a buffer size.
func (d *Device) checkMatrixArgs(op string, buf *buffer, args device.MatrixArgs) error {
	if args.Rows <= 0 || args.Cols <= 0 || args.Batches <= 0 {
		return device.Errorf(op, codeInvalidValue, "non-positive dimensions %d×%d batches=%d", args.Rows, args.Cols, args.Batches)
	}
	if args.Ld < args.Cols {
		return device.Errorf(op, codeInvalidValue, "leading dimension %d < cols %d", args.Ld, args.Cols)
	}
	if args.Cols%4 != 0 {
		return device.Errorf(op, codeInvalidValue, "cols %d not divisible by the sparsity group width", args.Cols)
	}
	last := int64(args.Slices()-1)*args.BatchStride + int64(args.Rows-1)*int64(args.Ld) + int64(args.Cols)
	if uint64(last)*2 > buf.Size() {
		return device.Errorf(op, codeInvalidValue, "geometry needs %d bytes, buffer has %d", last*2, buf.Size())
	}
	return nil
}

// PruneStrip enforces 2:4 sparsity in place: each four-wide group along a
// row keeps its two largest-magnitude elements. Ties keep the earlier
// element, so the result is deterministic.
func (d *Device) PruneStrip(w device.Buffer, args device.MatrixArgs) error {
	if err := d.injected("PruneStrip"); err != nil {
		return err
	}
	buf, err := d.check("PruneStrip", w)
	if err != nil {
		return err
	}
	if err := d.checkMatrixArgs("PruneStrip", buf, args); err != nil {
		return err
	}
	return d.enqueue("PruneStrip", func() {
		for s := 0; s < args.Slices(); s++ {
			for r := 0; r < args.Rows; r++ {
				rowBase := int64(s)*args.BatchStride + int64(r)*int64(args.Ld)
				for g := 0; g < args.Cols/4; g++ {
					pruneGroup(buf.data, rowBase+int64(g)*4)
				}
			}
		}
	})
}

// pruneGroup zeroes all but the two largest-magnitude elements of the
// four starting at base.
func pruneGroup(data []byte, base int64) {
	var abs [4]float32
	for i := int64(0); i < 4; i++ {
		v := getF16(data, base+i)
		if v < 0 {
			v = -v
		}
		abs[i] = v
	}
	i0, i1 := topTwo(abs)
	for i := int64(0); i < 4; i++ {
		if i != i0 && i != i1 {
			binary.LittleEndian.PutUint16(data[(base+i)*2:], 0)
		}
	}
}

// topTwo returns the indexes of the two largest values, earlier index
// winning ties, with i0 < i1.
func topTwo(abs [4]float32) (int64, int64) {
	best, second := 0, -1
	for i := 1; i < 4; i++ {
		switch {
		case abs[i] > abs[best]:
			second = best
			best = i
		case second < 0 || abs[i] > abs[second]:
			second = i
		}
	}
	if best > second {
		best, second = second, best
	}
	return int64(best), int64(second)
}

// PruneCheck writes a nonzero int32 into flag if any four-wide group has
// more than two nonzero elements.
func (d *Device) PruneCheck(w device.Buffer, args device.MatrixArgs, flag device.Buffer) error {
	if err := d.injected("PruneCheck"); err != nil {
		return err
	}
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
	return d.enqueue("PruneCheck", func() {
		var bad uint32
		if d.invalidPrune {
			bad = 1
		}
		for s := 0; s < args.Slices() && bad == 0; s++ {
			for r := 0; r < args.Rows && bad == 0; r++ {
				rowBase := int64(s)*args.BatchStride + int64(r)*int64(args.Ld)
				for g := 0; g < args.Cols/4; g++ {
					nonzero := 0
					for i := int64(0); i < 4; i++ {
						if !isZeroF16(buf.data, rowBase+int64(g)*4+i) {
							nonzero++
						}
					}
					if nonzero > 2 {
						bad = 1
						break
					}
				}
			}
		}
		binary.LittleEndian.PutUint32(flagBuf.data, bad)
	})
}

// Compress packs the pruned weight into values-then-metadata form
// described by layout. Groups with fewer than two nonzeros pad their kept
// set with the lowest unused positions, so the encoding is deterministic.
func (d *Device) Compress(w device.Buffer, args device.MatrixArgs, out device.Buffer, layout device.CompressedLayout) error {
	if err := d.injected("Compress"); err != nil {
		return err
	}
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
	return d.enqueue("Compress", func() {
		for s := 0; s < layout.Slices; s++ {
			sliceOff := uint64(s) * layout.SliceBytes()
			values := outBuf.data[sliceOff : sliceOff+layout.ValuesBytes]
			meta := outBuf.data[sliceOff+layout.ValuesBytes : sliceOff+layout.SliceBytes()]
			for r := 0; r < args.Rows; r++ {
				rowBase := int64(s)*args.BatchStride + int64(r)*int64(args.Ld)
				for g := 0; g < args.Cols/4; g++ {
					idx0, idx1 := keptIndexes(buf.data, rowBase+int64(g)*4)
					elem := int64(r)*int64(args.Cols/2) + int64(g)*2
					copy(values[elem*2:], buf.data[(rowBase+int64(g)*4+idx0)*2:][:2])
					copy(values[(elem+1)*2:], buf.data[(rowBase+int64(g)*4+idx1)*2:][:2])
					group := r*(args.Cols/4) + g
					nibble := byte(idx0) | byte(idx1)<<2
					if group%2 == 0 {
						meta[group/2] = meta[group/2]&0xF0 | nibble
					} else {
						meta[group/2] = meta[group/2]&0x0F | nibble<<4
					}
				}
			}
		}
	})
}

// keptIndexes returns the positions of the (at most two) nonzeros in a
// pruned group, padded with the lowest unused positions, idx0 < idx1.
func keptIndexes(data []byte, base int64) (int64, int64) {
	var kept []int64
	for i := int64(0); i < 4; i++ {
		if !isZeroF16(data, base+i) {
			kept = append(kept, i)
		}
	}
	for i := int64(0); len(kept) < 2 && i < 4; i++ {
		used := false
		for _, k := range kept {
			if k == i {
				used = true
			}
		}
		if !used {
			kept = append(kept, i)
		}
	}
	if kept[0] > kept[1] {
		kept[0], kept[1] = kept[1], kept[0]
	}
	return kept[0], kept[1]
}

// MatmulCompressed computes D = Alpha*(W_compressed × A) + Beta*C + bias
// with f32 accumulation and f16 rounding on store. C and D are the same
// buffer; with Beta == 0 the prior contents are never read.
func (d *Device) MatmulCompressed(args device.MatmulArgs, compressed device.Buffer, layout device.CompressedLayout,
	activation, out, bias, workspace device.Buffer) error {
	op := "MatmulCompressed"
	if err := d.injected(op); err != nil {
		return err
	}
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
		// Scratch is accepted for interface compatibility; the reference
		// kernel does not use it.
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

	return d.enqueue(op, func() {
		run := func(b, i int) {
			wSlice := 0
			if args.StrideW != 0 && layout.Slices > 1 {
				wSlice = b
			}
			sliceOff := uint64(wSlice) * layout.SliceBytes()
			values := cBuf.data[sliceOff : sliceOff+layout.ValuesBytes]
			meta := cBuf.data[sliceOff+layout.ValuesBytes : sliceOff+layout.SliceBytes()]
			aBase := int64(b) * args.StrideA
			outBase := int64(b) * args.StrideOut
			for j := 0; j < args.N; j++ {
				var acc float32
				for g := 0; g < args.K/4; g++ {
					elem := int64(i)*int64(args.K/2) + int64(g)*2
					group := i*(args.K/4) + g
					nibble := meta[group/2] >> (uint(group%2) * 4) & 0x0F
					idx0 := int64(nibble & 0x3)
					idx1 := int64(nibble >> 2 & 0x3)
					col := int64(g) * 4
					acc += getF16(values, elem) * getF16(aBuf.data, aBase+(col+idx0)*int64(args.N)+int64(j))
					acc += getF16(values, elem+1) * getF16(aBuf.data, aBase+(col+idx1)*int64(args.N)+int64(j))
				}
				result := args.Alpha * acc
				if args.Beta != 0 {
					result += args.Beta * getF16(outBuf.data, outBase+int64(i)*int64(args.N)+int64(j))
				}
				if biasBuf != nil {
					result += float32frombytes(biasBuf.data[i*4:])
				}
				putF16(outBuf.data, outBase+int64(i)*int64(args.N)+int64(j), result)
			}
		}
		if args.StrideOut != 0 || args.Batches == 1 {
			// Output slices are distinct, so the whole batch×rows grid is
			// independent work.
			parallel.ForRows(args.Batches, args.M, run, d.par)
			return
		}
		// Broadcast output: every batch writes the same slice, so batches
		// stay in order and only rows fan out.
		for b := 0; b < args.Batches; b++ {
			parallel.For(args.M, func(i int) { run(b, i) }, d.par)
		}
	})
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
