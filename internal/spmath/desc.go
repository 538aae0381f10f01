package spmath

import (
	"errors"
	"fmt"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// Order is the storage order of a matrix.
type Order int

// Storage orders. Only row-major is implemented by the kernels.
const (
	OrderRow Order = iota
	OrderCol
)

// Op is a transpose flag for a matmul operand.
type Op int

// Transpose flags.
const (
	OpNonTranspose Op = iota
	OpTranspose
)

// Sparsity identifies the structured-sparsity pattern of a descriptor.
type Sparsity int

// Sparsity50 keeps two of every four contiguous elements.
const Sparsity50 Sparsity = iota

// matKind distinguishes dense from structured descriptors.
type matKind int

const (
	matDense matKind = iota
	matStructured
)

// MatDesc describes how a device buffer is interpreted as a matrix:
// dimensions, leading dimension, alignment, element type, order and
// batching. Dimensions are immutable after creation; only the batch count
// and batch stride attributes may be set afterwards, before a plan is
// built over the descriptor.
type MatDesc struct {
	handle      *Handle
	kind        matKind
	rows, cols  int
	ld          int
	alignment   int
	dtype       tensor.DataType
	order       Order
	sparsity    Sparsity
	batches     int
	batchStride int64
	destroyed   bool
}

// DenseDescriptor creates a descriptor for a dense matrix.
func (h *Handle) DenseDescriptor(rows, cols, ld, alignment int, dtype tensor.DataType, order Order) (*MatDesc, error) {
	return h.newDesc("DenseDescriptor", matDense, rows, cols, ld, alignment, dtype, order, 0)
}

// StructuredDescriptor creates a descriptor for a structured-sparse
// matrix. Only 2:4 f16 row-major matrices with the inner dimension
// divisible by four are supported.
func (h *Handle) StructuredDescriptor(rows, cols, ld, alignment int, dtype tensor.DataType, order Order, sp Sparsity) (*MatDesc, error) {
	const op = "StructuredDescriptor"
	if dtype != tensor.Float16 {
		return nil, errf(op, StatusNotSupported, fmt.Errorf("structured matrices require float16, got %s", dtype))
	}
	if sp != Sparsity50 {
		return nil, errf(op, StatusNotSupported, fmt.Errorf("unsupported sparsity %d", sp))
	}
	if cols%4 != 0 {
		return nil, errf(op, StatusNotSupported, fmt.Errorf("inner dimension %d not divisible by 4", cols))
	}
	return h.newDesc(op, matStructured, rows, cols, ld, alignment, dtype, order, sp)
}

func (h *Handle) newDesc(op string, kind matKind, rows, cols, ld, alignment int, dtype tensor.DataType, order Order, sp Sparsity) (*MatDesc, error) {
	if err := h.ok(op); err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("non-positive dimensions %d×%d", rows, cols))
	}
	if order != OrderRow {
		return nil, errf(op, StatusNotSupported, errors.New("only row-major order is supported"))
	}
	if ld < cols {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("leading dimension %d < cols %d", ld, cols))
	}
	if alignment < Alignment || alignment&(alignment-1) != 0 {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("alignment %d must be a power of two ≥ %d", alignment, Alignment))
	}
	h.live++
	return &MatDesc{
		handle:    h,
		kind:      kind,
		rows:      rows,
		cols:      cols,
		ld:        ld,
		alignment: alignment,
		dtype:     dtype,
		order:     order,
		sparsity:  sp,
		batches:   1,
	}, nil
}

// SetBatchCount sets the number of batch instances.
func (d *MatDesc) SetBatchCount(n int) error {
	if err := d.ok("SetBatchCount"); err != nil {
		return err
	}
	if n <= 0 {
		return errf("SetBatchCount", StatusInvalidValue, fmt.Errorf("batch count %d", n))
	}
	d.batches = n
	return nil
}

// SetBatchStride sets the element offset between batch instances. Zero
// broadcasts a single instance across the batch.
func (d *MatDesc) SetBatchStride(stride int64) error {
	if err := d.ok("SetBatchStride"); err != nil {
		return err
	}
	if stride < 0 || (stride > 0 && stride < int64(d.rows)*int64(d.ld)) {
		return errf("SetBatchStride", StatusInvalidValue, fmt.Errorf("stride %d smaller than one %d×%d instance", stride, d.rows, d.cols))
	}
	d.batchStride = stride
	return nil
}

// Rows returns the row count.
func (d *MatDesc) Rows() int { return d.rows }

// Cols returns the column count.
func (d *MatDesc) Cols() int { return d.cols }

// Destroy releases the descriptor. Plans built over it stay valid only
// until their own Destroy; the session tears down plans first.
func (d *MatDesc) Destroy() error {
	if d.destroyed {
		return errf("MatDesc.Destroy", StatusInvalidValue, errors.New("descriptor already destroyed"))
	}
	d.destroyed = true
	d.handle.live--
	return nil
}

func (d *MatDesc) ok(op string) error {
	if d == nil {
		return errf(op, StatusInvalidValue, errors.New("nil descriptor"))
	}
	if d.destroyed {
		return errf(op, StatusInvalidValue, errors.New("descriptor destroyed"))
	}
	return d.handle.ok(op)
}

// args converts the descriptor into kernel geometry.
func (d *MatDesc) args() device.MatrixArgs {
	return device.MatrixArgs{
		Rows:        d.rows,
		Cols:        d.cols,
		Ld:          d.ld,
		Batches:     d.batches,
		BatchStride: d.batchStride,
	}
}

// MatmulDesc binds the four operand descriptors and transpose flags of a
// matmul, plus the optional bias pointer attribute.
type MatmulDesc struct {
	handle     *Handle
	opW, opA   Op
	w, a, c, d *MatDesc
	bias       device.Buffer
}

// MatmulDescriptor validates operand compatibility and builds a matmul
// descriptor. w must be structured; a, c and d dense. c and d describe the
// accumulate source and destination; the execute path requires them to be
// the same descriptor in this design.
func (h *Handle) MatmulDescriptor(opW, opA Op, w, a, c, d *MatDesc) (*MatmulDesc, error) {
	const op = "MatmulDescriptor"
	if err := h.ok(op); err != nil {
		return nil, err
	}
	for _, desc := range []*MatDesc{w, a, c, d} {
		if desc == nil {
			return nil, errf(op, StatusInvalidValue, errors.New("nil operand descriptor"))
		}
		if err := desc.ok(op); err != nil {
			return nil, err
		}
		if desc.handle != h {
			return nil, errf(op, StatusInvalidValue, errors.New("descriptor belongs to a different handle"))
		}
	}
	if opW != OpNonTranspose || opA != OpNonTranspose {
		return nil, errf(op, StatusNotSupported, errors.New("transposed operands are not supported"))
	}
	if w.kind != matStructured {
		return nil, errf(op, StatusNotSupported, errors.New("weight operand must be structured"))
	}
	if a.kind != matDense || c.kind != matDense || d.kind != matDense {
		return nil, errf(op, StatusNotSupported, errors.New("activation and output operands must be dense"))
	}
	if w.cols != a.rows {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("inner dimensions differ: weight cols %d, activation rows %d", w.cols, a.rows))
	}
	if d.rows != w.rows || d.cols != a.cols {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("output is %d×%d, want %d×%d", d.rows, d.cols, w.rows, a.cols))
	}
	if c != d {
		return nil, errf(op, StatusNotSupported, errors.New("separate accumulate and destination descriptors are not supported"))
	}
	if w.batches != a.batches || w.batches != d.batches {
		return nil, errf(op, StatusInvalidValue, fmt.Errorf("batch counts differ: weight %d, activation %d, output %d", w.batches, a.batches, d.batches))
	}
	return &MatmulDesc{handle: h, opW: opW, opA: opA, w: w, a: a, c: c, d: d}, nil
}

// SetBiasPointer attaches a device-resident f32 bias vector (one element
// per output row) to the matmul.
func (md *MatmulDesc) SetBiasPointer(buf device.Buffer) error {
	const op = "SetBiasPointer"
	if err := md.handle.ok(op); err != nil {
		return err
	}
	if buf == nil {
		return errf(op, StatusInvalidValue, errors.New("nil bias buffer"))
	}
	if buf.Size() < uint64(md.w.rows)*4 {
		return errf(op, StatusInvalidValue, fmt.Errorf("bias buffer holds %d bytes, need %d", buf.Size(), md.w.rows*4))
	}
	md.bias = buf
	return nil
}

// Alg identifies a matmul algorithm family.
type Alg int

// AlgDefault is the library's default algorithm.
const AlgDefault Alg = iota

// AlgSelection is the algorithm choice for a matmul descriptor. The
// config id selects a variant within the family; only id 0 is implemented,
// runtime search would iterate over ids.
type AlgSelection struct {
	handle   *Handle
	alg      Alg
	configID int
}

// AlgSelectionDefault creates an algorithm selection for md using the
// default algorithm.
func (h *Handle) AlgSelectionDefault(md *MatmulDesc) (*AlgSelection, error) {
	const op = "AlgSelectionDefault"
	if err := h.ok(op); err != nil {
		return nil, err
	}
	if md == nil {
		return nil, errf(op, StatusInvalidValue, errors.New("nil matmul descriptor"))
	}
	return &AlgSelection{handle: h, alg: AlgDefault}, nil
}

// SetConfigID selects an algorithm variant.
func (s *AlgSelection) SetConfigID(id int) error {
	if id != 0 {
		return errf("SetConfigID", StatusNotSupported, fmt.Errorf("algorithm config %d not available", id))
	}
	s.configID = id
	return nil
}
