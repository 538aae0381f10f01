package spmath

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/device/sim"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

func newHandle(t *testing.T) (*Handle, *sim.Device) {
	t.Helper()
	dev := sim.New()
	h, err := Init(dev)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h, dev
}

// wantStatus asserts err is a LibraryError carrying the given status.
func wantStatus(t *testing.T, err error, status Status) {
	t.Helper()
	var libErr *LibraryError
	if !errors.As(err, &libErr) {
		t.Fatalf("error = %v, want *LibraryError", err)
	}
	if libErr.Status != status {
		t.Fatalf("status = %s, want %s", libErr.Status, status)
	}
}

func TestSupportedCapability(t *testing.T) {
	tests := []struct {
		major, minor int
		want         bool
	}{
		{8, 0, true},
		{8, 6, true},
		{7, 5, false},
		{8, 9, false},
		{9, 0, false},
	}
	for _, tt := range tests {
		if got := SupportedCapability(tt.major, tt.minor); got != tt.want {
			t.Errorf("SupportedCapability(%d, %d) = %v, want %v", tt.major, tt.minor, got, tt.want)
		}
	}
}

func TestInitNilDevice(t *testing.T) {
	_, err := Init(nil)
	wantStatus(t, err, StatusInvalidValue)
}

func TestDenseDescriptorValidation(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	if _, err := h.DenseDescriptor(0, 4, 4, 16, tensor.Float16, OrderRow); err == nil {
		t.Error("zero rows accepted")
	}
	if _, err := h.DenseDescriptor(4, 4, 2, 16, tensor.Float16, OrderRow); err == nil {
		t.Error("leading dimension below cols accepted")
	}
	_, err := h.DenseDescriptor(4, 4, 4, 16, tensor.Float16, OrderCol)
	wantStatus(t, err, StatusNotSupported)
	_, err = h.DenseDescriptor(4, 4, 4, 8, tensor.Float16, OrderRow)
	wantStatus(t, err, StatusInvalidValue)
	_, err = h.DenseDescriptor(4, 4, 4, 24, tensor.Float16, OrderRow)
	wantStatus(t, err, StatusInvalidValue) // not a power of two

	d, err := h.DenseDescriptor(4, 4, 4, 16, tensor.Float32, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	d.Destroy()
}

func TestStructuredDescriptorValidation(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	_, err := h.StructuredDescriptor(4, 8, 8, 16, tensor.Float32, OrderRow, Sparsity50)
	wantStatus(t, err, StatusNotSupported)
	_, err = h.StructuredDescriptor(4, 6, 6, 16, tensor.Float16, OrderRow, Sparsity50)
	wantStatus(t, err, StatusNotSupported)

	d, err := h.StructuredDescriptor(4, 8, 8, 16, tensor.Float16, OrderRow, Sparsity50)
	if err != nil {
		t.Fatalf("StructuredDescriptor: %v", err)
	}
	d.Destroy()
}

func TestBatchAttributes(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	d, err := h.DenseDescriptor(4, 8, 8, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer d.Destroy()

	if err := d.SetBatchCount(0); err == nil {
		t.Error("zero batch count accepted")
	}
	if err := d.SetBatchCount(3); err != nil {
		t.Errorf("SetBatchCount: %v", err)
	}
	if err := d.SetBatchStride(16); err == nil {
		t.Error("stride smaller than one instance accepted")
	}
	if err := d.SetBatchStride(0); err != nil {
		t.Errorf("broadcast stride rejected: %v", err)
	}
	if err := d.SetBatchStride(32); err != nil {
		t.Errorf("SetBatchStride: %v", err)
	}
}

func TestMatmulDescriptorValidation(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	w, err := h.StructuredDescriptor(2, 8, 8, 16, tensor.Float16, OrderRow, Sparsity50)
	if err != nil {
		t.Fatalf("StructuredDescriptor: %v", err)
	}
	defer w.Destroy()
	a, err := h.DenseDescriptor(8, 4, 4, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer a.Destroy()
	out, err := h.DenseDescriptor(2, 4, 4, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer out.Destroy()

	if _, err := h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, w, a, out, out); err != nil {
		t.Fatalf("MatmulDescriptor: %v", err)
	}

	_, err = h.MatmulDescriptor(OpTranspose, OpNonTranspose, w, a, out, out)
	wantStatus(t, err, StatusNotSupported)
	_, err = h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, a, a, out, out)
	wantStatus(t, err, StatusNotSupported) // dense weight
	_, err = h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, w, a, out, a)
	if err == nil {
		t.Error("mismatched output dims accepted")
	}

	// Separate accumulate and destination descriptors.
	out2, err := h.DenseDescriptor(2, 4, 4, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer out2.Destroy()
	_, err = h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, w, a, out2, out)
	wantStatus(t, err, StatusNotSupported)

	// Batch counts must agree across operands.
	if err := a.SetBatchCount(2); err != nil {
		t.Fatalf("SetBatchCount: %v", err)
	}
	_, err = h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, w, a, out, out)
	wantStatus(t, err, StatusInvalidValue)
}

func TestCompressedSize(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	w, err := h.StructuredDescriptor(64, 128, 128, 16, tensor.Float16, OrderRow, Sparsity50)
	if err != nil {
		t.Fatalf("StructuredDescriptor: %v", err)
	}
	defer w.Destroy()

	size, layout, err := h.CompressedSize(w)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}
	// 2048 groups: 8192 value bytes and 1024 metadata bytes per slice.
	if layout.ValuesBytes != 8192 || layout.MetaBytes != 1024 {
		t.Errorf("layout = %+v", layout)
	}
	if size != layout.TotalBytes() || size%Alignment != 0 {
		t.Errorf("size = %d, want aligned %d", size, layout.TotalBytes())
	}

	// Repeated queries on the same descriptor are deterministic.
	size2, layout2, err := h.CompressedSize(w)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}
	if size2 != size || layout2 != layout {
		t.Errorf("second query = %d %+v, first = %d %+v", size2, layout2, size, layout)
	}

	// Batched weights scale the total, not the slice.
	if err := w.SetBatchCount(3); err != nil {
		t.Fatalf("SetBatchCount: %v", err)
	}
	if err := w.SetBatchStride(64 * 128); err != nil {
		t.Fatalf("SetBatchStride: %v", err)
	}
	size3, layout3, err := h.CompressedSize(w)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}
	if layout3.Slices != 3 || size3 != 3*size {
		t.Errorf("batched size = %d over %d slices, want %d over 3", size3, layout3.Slices, 3*size)
	}

	dense, err := h.DenseDescriptor(4, 4, 4, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer dense.Destroy()
	_, _, err = h.CompressedSize(dense)
	wantStatus(t, err, StatusNotSupported)
}

func TestHandleTeardownOrder(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()

	d, err := h.DenseDescriptor(4, 4, 4, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}

	if err := h.Close(); err == nil {
		t.Error("Close succeeded with a live descriptor")
	}
	if err := d.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := d.Destroy(); err == nil {
		t.Error("double Destroy succeeded")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	_, err = h.DenseDescriptor(4, 4, 4, 16, tensor.Float16, OrderRow)
	wantStatus(t, err, StatusNotInitialized)
}

// uploadF16 allocates a device buffer holding vals as f16.
func uploadF16(t *testing.T, dev device.Device, vals []float32) device.Buffer {
	t.Helper()
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], tensor.Float32ToFloat16(v))
	}
	buf, err := dev.Alloc(uint64(len(data)))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := dev.CopyToDevice(buf, data); err != nil {
		t.Fatalf("CopyToDevice: %v", err)
	}
	return buf
}

func TestPruneCompressMatmul(t *testing.T) {
	h, dev := newHandle(t)
	defer dev.Close()
	defer h.Close()

	w, err := h.StructuredDescriptor(1, 4, 4, 16, tensor.Float16, OrderRow, Sparsity50)
	if err != nil {
		t.Fatalf("StructuredDescriptor: %v", err)
	}
	defer w.Destroy()
	a, err := h.DenseDescriptor(4, 1, 1, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer a.Destroy()
	out, err := h.DenseDescriptor(1, 1, 1, 16, tensor.Float16, OrderRow)
	if err != nil {
		t.Fatalf("DenseDescriptor: %v", err)
	}
	defer out.Destroy()

	// 1 and 2 are pruned away, 3 and 4 survive.
	wBuf := uploadF16(t, dev, []float32{1, 2, 3, 4})
	defer dev.Free(wBuf)
	if err := h.PruneStrip(w, OpNonTranspose, wBuf, PruneAlgStrip); err != nil {
		t.Fatalf("PruneStrip: %v", err)
	}

	flag, err := dev.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer dev.Free(flag)
	if err := h.PruneCheck(w, OpNonTranspose, wBuf, flag); err != nil {
		t.Fatalf("PruneCheck: %v", err)
	}
	var raw [4]byte
	if err := dev.CopyFromDevice(raw[:], flag); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	if binary.LittleEndian.Uint32(raw[:]) != 0 {
		t.Fatal("pruned weight failed the sparsity check")
	}

	size, _, err := h.CompressedSize(w)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}
	comp, err := dev.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer dev.Free(comp)
	if err := h.Compress(w, OpNonTranspose, wBuf, comp); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	md, err := h.MatmulDescriptor(OpNonTranspose, OpNonTranspose, w, a, out, out)
	if err != nil {
		t.Fatalf("MatmulDescriptor: %v", err)
	}
	sel, err := h.AlgSelectionDefault(md)
	if err != nil {
		t.Fatalf("AlgSelectionDefault: %v", err)
	}
	if err := sel.SetConfigID(1); err == nil {
		t.Error("nonzero algorithm config accepted")
	}
	if err := sel.SetConfigID(0); err != nil {
		t.Fatalf("SetConfigID: %v", err)
	}
	wsSize, err := h.MatmulWorkspace(md, sel)
	if err != nil {
		t.Fatalf("MatmulWorkspace: %v", err)
	}
	if wsSize != 0 {
		t.Errorf("workspace size = %d, want 0", wsSize)
	}
	plan, err := h.PlanInit(md, sel, wsSize)
	if err != nil {
		t.Fatalf("PlanInit: %v", err)
	}
	defer plan.Destroy()

	aBuf := uploadF16(t, dev, []float32{1, 1, 1, 1})
	defer dev.Free(aBuf)
	outBuf, err := dev.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer dev.Free(outBuf)

	err = plan.Matmul(1, comp, aBuf, 0, aBuf, outBuf, nil, 0)
	wantStatus(t, err, StatusNotSupported) // accumulate buffer differs from destination

	if err := plan.Matmul(1, comp, aBuf, 0, outBuf, outBuf, nil, 0); err != nil {
		t.Fatalf("Matmul: %v", err)
	}
	var outRaw [2]byte
	if err := dev.CopyFromDevice(outRaw[:], outBuf); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}
	if got := tensor.Float16ToFloat32(binary.LittleEndian.Uint16(outRaw[:])); got != 7 {
		t.Errorf("output = %v, want 7", got)
	}
}
