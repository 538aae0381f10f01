package spmath

import (
	"errors"

	"github.com/sparsekit/sparsekit/internal/device"
)

// PruneAlg selects the pruning strategy.
type PruneAlg int

// PruneAlgStrip is the strip-wise structured algorithm: each four-wide
// group along a row keeps its two largest-magnitude elements.
const PruneAlgStrip PruneAlg = iota

// PruneStrip enforces the descriptor's sparsity pattern on the device
// buffer in place. The work is enqueued on the device stream.
func (h *Handle) PruneStrip(d *MatDesc, op Op, buf device.Buffer, alg PruneAlg) error {
	const name = "PruneStrip"
	if err := h.structuredOp(name, d, op, buf); err != nil {
		return err
	}
	if alg != PruneAlgStrip {
		return errf(name, StatusNotSupported, errors.New("unsupported pruning algorithm"))
	}
	if err := h.dev.PruneStrip(buf, d.args()); err != nil {
		return errf(name, StatusInternalError, err)
	}
	return nil
}

// PruneCheck verifies the sparsity constraint over buf and writes a
// nonzero int32 into flag on violation. Enqueued on the device stream;
// the caller copies the flag back to observe the result.
func (h *Handle) PruneCheck(d *MatDesc, op Op, buf, flag device.Buffer) error {
	const name = "PruneCheck"
	if err := h.structuredOp(name, d, op, buf); err != nil {
		return err
	}
	if flag == nil {
		return errf(name, StatusInvalidValue, errors.New("nil validity flag buffer"))
	}
	if err := h.dev.PruneCheck(buf, d.args(), flag); err != nil {
		return errf(name, StatusInternalError, err)
	}
	return nil
}

// CompressedSize reports the byte size and layout of the compact form for
// the descriptor's current geometry. The size is only valid for this exact
// descriptor; geometry changes require a fresh query.
func (h *Handle) CompressedSize(d *MatDesc) (uint64, device.CompressedLayout, error) {
	const name = "CompressedSize"
	if err := h.ok(name); err != nil {
		return 0, device.CompressedLayout{}, err
	}
	if err := d.ok(name); err != nil {
		return 0, device.CompressedLayout{}, err
	}
	if d.kind != matStructured {
		return 0, device.CompressedLayout{}, errf(name, StatusNotSupported, errors.New("descriptor is not structured"))
	}
	layout := compressedLayout(d)
	return layout.TotalBytes(), layout, nil
}

// compressedLayout derives the per-slice values and metadata region sizes:
// two f16 values per four-wide group, one metadata nibble per group, each
// region padded to the library alignment.
func compressedLayout(d *MatDesc) device.CompressedLayout {
	groups := uint64(d.rows) * uint64(d.cols) / 4
	return device.CompressedLayout{
		Rows:        d.rows,
		Cols:        d.cols,
		Slices:      d.args().Slices(),
		ValuesBytes: alignUp(groups*2*2, Alignment),
		MetaBytes:   alignUp((groups+1)/2, Alignment),
	}
}

func alignUp(n uint64, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// Compress packs the pruned weight in buf into out, which must be at
// least CompressedSize bytes. Enqueued on the device stream after any
// pending prune.
func (h *Handle) Compress(d *MatDesc, op Op, buf, out device.Buffer) error {
	const name = "Compress"
	if err := h.structuredOp(name, d, op, buf); err != nil {
		return err
	}
	if out == nil {
		return errf(name, StatusInvalidValue, errors.New("nil output buffer"))
	}
	layout := compressedLayout(d)
	if out.Size() < layout.TotalBytes() {
		return errf(name, StatusInvalidValue, errors.New("output buffer smaller than compressed size"))
	}
	if err := h.dev.Compress(buf, d.args(), out, layout); err != nil {
		return errf(name, StatusInternalError, err)
	}
	return nil
}

// structuredOp validates the common preconditions of the sparse transforms.
func (h *Handle) structuredOp(name string, d *MatDesc, op Op, buf device.Buffer) error {
	if err := h.ok(name); err != nil {
		return err
	}
	if err := d.ok(name); err != nil {
		return err
	}
	if d.handle != h {
		return errf(name, StatusInvalidValue, errors.New("descriptor belongs to a different handle"))
	}
	if d.kind != matStructured {
		return errf(name, StatusNotSupported, errors.New("descriptor is not structured"))
	}
	if op != OpNonTranspose {
		return errf(name, StatusNotSupported, errors.New("transposed operands are not supported"))
	}
	if buf == nil {
		return errf(name, StatusInvalidValue, errors.New("nil matrix buffer"))
	}
	return nil
}
