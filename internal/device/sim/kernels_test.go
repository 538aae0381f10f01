package sim

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// uploadF16 allocates a device buffer holding vals as f16.
func uploadF16(t *testing.T, d *Device, vals []float32) device.Buffer {
	t.Helper()
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], tensor.Float32ToFloat16(v))
	}
	buf, err := d.Alloc(uint64(len(data)))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := d.CopyToDevice(buf, data); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	return buf
}

// readF16 copies n f16 elements back to the host as float32.
func readF16(t *testing.T, d *Device, buf device.Buffer, n int) []float32 {
	t.Helper()
	data := make([]byte, n*2)
	if err := d.CopyFromDevice(data, buf); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func readFlag(t *testing.T, d *Device, buf device.Buffer) uint32 {
	t.Helper()
	var raw [4]byte
	if err := d.CopyFromDevice(raw[:], buf); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	return binary.LittleEndian.Uint32(raw[:])
}

func TestPruneStrip(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	w := uploadF16(t, d, []float32{1, 2, 3, 4, 5, 5, 1, 5})
	defer d.Free(w)

	args := device.MatrixArgs{Rows: 1, Cols: 8, Ld: 8, Batches: 1}
	if err := d.PruneStrip(w, args); err != nil {
		t.Fatalf("PruneStrip: %v", err)
	}

	got := readF16(t, d, w, 8)
	// First group keeps the two largest, second group keeps the earlier
	// elements on the three-way tie.
	want := []float32{0, 0, 3, 4, 5, 5, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPruneStripRejectsBadGeometry(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	w := uploadF16(t, d, []float32{1, 2, 3, 4})
	defer d.Free(w)

	if err := d.PruneStrip(w, device.MatrixArgs{Rows: 1, Cols: 6, Ld: 6, Batches: 1}); err == nil {
		t.Error("cols not divisible by 4 accepted")
	}
	if err := d.PruneStrip(w, device.MatrixArgs{Rows: 2, Cols: 4, Ld: 4, Batches: 1}); err == nil {
		t.Error("geometry larger than the buffer accepted")
	}
	if err := d.PruneStrip(w, device.MatrixArgs{Rows: 1, Cols: 4, Ld: 2, Batches: 1}); err == nil {
		t.Error("leading dimension below cols accepted")
	}
}

func TestPruneCheck(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	args := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}

	valid := uploadF16(t, d, []float32{0, 2, 0, 3})
	defer d.Free(valid)
	flag, err := d.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(flag)

	if err := d.PruneCheck(valid, args, flag); err != nil {
		t.Fatalf("PruneCheck: %v", err)
	}
	if got := readFlag(t, d, flag); got != 0 {
		t.Errorf("flag = %d for a valid weight", got)
	}

	invalid := uploadF16(t, d, []float32{1, 2, 0, 3})
	defer d.Free(invalid)
	if err := d.PruneCheck(invalid, args, flag); err != nil {
		t.Fatalf("PruneCheck: %v", err)
	}
	if got := readFlag(t, d, flag); got == 0 {
		t.Error("flag = 0 for a weight with three nonzeros in a group")
	}
}

func TestPruneCheckInjectedFault(t *testing.T) {
	d := newDevice(t, WithInvalidPrune())
	defer d.Close()

	// A perfectly valid weight still trips the flag on a device
	// configured to report prune violations.
	valid := uploadF16(t, d, []float32{0, 2, 0, 3})
	defer d.Free(valid)
	flag, err := d.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(flag)

	if err := d.PruneCheck(valid, device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}, flag); err != nil {
		t.Fatalf("PruneCheck: %v", err)
	}
	if got := readFlag(t, d, flag); got == 0 {
		t.Error("flag = 0 on a device configured to fail validation")
	}
}

func TestPruneCheckNegativeZero(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	// -0 counts as zero for the sparsity constraint.
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], 0x8000) // -0
	binary.LittleEndian.PutUint16(data[2:], tensor.Float32ToFloat16(1))
	binary.LittleEndian.PutUint16(data[4:], tensor.Float32ToFloat16(2))
	binary.LittleEndian.PutUint16(data[6:], 0x0000)
	buf, err := d.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(buf)
	if err := d.CopyToDevice(buf, data); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}

	flag, err := d.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(flag)
	if err := d.PruneCheck(buf, device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}, flag); err != nil {
		t.Fatalf("PruneCheck: %v", err)
	}
	if got := readFlag(t, d, flag); got != 0 {
		t.Errorf("flag = %d, -0 should count as zero", got)
	}
}

func TestCompress(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	w := uploadF16(t, d, []float32{0, 7, 0, 9})
	defer d.Free(w)

	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	out, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)

	args := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}
	if err := d.Compress(w, args, out, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	data := make([]byte, layout.TotalBytes())
	if err := d.CopyFromDevice(data, out); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	v0 := tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[0:]))
	v1 := tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[2:]))
	if v0 != 7 || v1 != 9 {
		t.Errorf("values = %v, %v, want 7, 9", v0, v1)
	}
	// Kept positions 1 and 3 encode as the nibble 1 | 3<<2.
	if nibble := data[16] & 0x0F; nibble != 0xD {
		t.Errorf("metadata nibble = %#x, want 0xd", nibble)
	}
}

func TestCompressPadsSparseGroups(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	// One nonzero at position 2: the kept set pads with position 0.
	w := uploadF16(t, d, []float32{0, 0, 5, 0})
	defer d.Free(w)

	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	out, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)

	args := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}
	if err := d.Compress(w, args, out, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	data := make([]byte, layout.TotalBytes())
	if err := d.CopyFromDevice(data, out); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	v0 := tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[0:]))
	v1 := tensor.Float16ToFloat32(binary.LittleEndian.Uint16(data[2:]))
	if v0 != 0 || v1 != 5 {
		t.Errorf("values = %v, %v, want 0, 5", v0, v1)
	}
	if nibble := data[16] & 0x0F; nibble != (0 | 2<<2) {
		t.Errorf("metadata nibble = %#x, want %#x", nibble, 0|2<<2)
	}
}

func TestMatmulCompressed(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	// Pruned 1×4 weight, compressed by the device itself.
	w := uploadF16(t, d, []float32{0, 2, 0, 3})
	defer d.Free(w)
	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	comp, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(comp)
	wArgs := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}
	if err := d.Compress(w, wArgs, comp, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	act := uploadF16(t, d, []float32{1, 2, 3, 4, 5, 6, 7, 8}) // 4×2
	defer d.Free(act)
	out, err := d.Alloc(4) // 1×2 f16
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)
	bias, err := d.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(bias)
	var biasRaw [4]byte
	binary.LittleEndian.PutUint32(biasRaw[:], math.Float32bits(0.5))
	if err := d.CopyToDevice(bias, biasRaw[:]); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}

	args := device.MatmulArgs{M: 1, N: 2, K: 4, Batches: 1, Alpha: 1}
	if err := d.MatmulCompressed(args, comp, layout, act, out, bias, nil); err != nil {
		t.Fatalf("MatmulCompressed: %v", err)
	}

	got := readF16(t, d, out, 2)
	// Row = 2*a[1][j] + 3*a[3][j] + 0.5.
	want := []float32{2*3 + 3*7 + 0.5, 2*4 + 3*8 + 0.5}
	for j := range want {
		if got[j] != want[j] {
			t.Errorf("out[%d] = %v, want %v", j, got[j], want[j])
		}
	}
}

func TestMatmulCompressedBeta(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	w := uploadF16(t, d, []float32{0, 1, 0, 1})
	defer d.Free(w)
	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	comp, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(comp)
	wArgs := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}
	if err := d.Compress(w, wArgs, comp, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	act := uploadF16(t, d, []float32{1, 1, 1, 1}) // 4×1
	defer d.Free(act)
	out := uploadF16(t, d, []float32{10}) // accumulate source
	defer d.Free(out)

	args := device.MatmulArgs{M: 1, N: 1, K: 4, Batches: 1, Alpha: 1, Beta: 2}
	if err := d.MatmulCompressed(args, comp, layout, act, out, nil, nil); err != nil {
		t.Fatalf("MatmulCompressed: %v", err)
	}
	if got := readF16(t, d, out, 1); got[0] != 1+1+2*10 {
		t.Errorf("out = %v, want 22", got[0])
	}
}

func TestMatmulCompressedBroadcastWeight(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	w := uploadF16(t, d, []float32{0, 2, 0, 3})
	defer d.Free(w)
	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	comp, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(comp)
	wArgs := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 1}
	if err := d.Compress(w, wArgs, comp, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	// Two activation slices, one broadcast weight slice.
	act := uploadF16(t, d, []float32{1, 1, 1, 1, 2, 2, 2, 2})
	defer d.Free(act)
	out, err := d.Alloc(4) // two f16 results
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)

	args := device.MatmulArgs{
		M: 1, N: 1, K: 4, Batches: 2,
		StrideW: 0, StrideA: 4, StrideOut: 1,
		Alpha: 1,
	}
	if err := d.MatmulCompressed(args, comp, layout, act, out, nil, nil); err != nil {
		t.Fatalf("MatmulCompressed: %v", err)
	}
	got := readF16(t, d, out, 2)
	if got[0] != 5 || got[1] != 10 {
		t.Errorf("out = %v, want [5 10]", got)
	}
}

func TestMatmulCompressedPerBatchWeight(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	// Two distinct weight slices compressed into one buffer.
	w := uploadF16(t, d, []float32{0, 2, 0, 3, 0, 1, 0, 1})
	defer d.Free(w)
	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 2, ValuesBytes: 16, MetaBytes: 16}
	comp, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(comp)
	wArgs := device.MatrixArgs{Rows: 1, Cols: 4, Ld: 4, Batches: 2, BatchStride: 4}
	if err := d.Compress(w, wArgs, comp, layout); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	act := uploadF16(t, d, []float32{1, 1, 1, 1, 2, 2, 2, 2})
	defer d.Free(act)
	out, err := d.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)

	args := device.MatmulArgs{
		M: 1, N: 1, K: 4, Batches: 2,
		StrideW: 4, StrideA: 4, StrideOut: 1,
		Alpha: 1,
	}
	if err := d.MatmulCompressed(args, comp, layout, act, out, nil, nil); err != nil {
		t.Fatalf("MatmulCompressed: %v", err)
	}
	got := readF16(t, d, out, 2)
	// Batch 0: 2+3 against ones; batch 1: 1+1 against twos.
	if got[0] != 5 || got[1] != 4 {
		t.Errorf("out = %v, want [5 4]", got)
	}
}

func TestMatmulCompressedRejectsBadArgs(t *testing.T) {
	d := newDevice(t)
	defer d.Close()

	layout := device.CompressedLayout{Rows: 1, Cols: 4, Slices: 1, ValuesBytes: 16, MetaBytes: 16}
	comp, err := d.Alloc(layout.TotalBytes())
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(comp)
	act := uploadF16(t, d, []float32{1, 1, 1, 1})
	defer d.Free(act)
	out, err := d.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(out)

	if err := d.MatmulCompressed(device.MatmulArgs{M: 1, N: 1, K: 6, Batches: 1, Alpha: 1},
		comp, layout, act, out, nil, nil); err == nil {
		t.Error("k not divisible by 4 accepted")
	}
	if err := d.MatmulCompressed(device.MatmulArgs{M: 2, N: 1, K: 4, Batches: 1, Alpha: 1},
		comp, layout, act, out, nil, nil); err == nil {
		t.Error("layout mismatch accepted")
	}

	bias, err := d.Alloc(2) // too small for one f32
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer d.Free(bias)
	if err := d.MatmulCompressed(device.MatmulArgs{M: 1, N: 1, K: 4, Batches: 1, Alpha: 1},
		comp, layout, act, out, bias, nil); err == nil {
		t.Error("undersized bias accepted")
	}
}
