package sparse

import (
	"fmt"

	"github.com/sparsekit/sparsekit/internal/tensor"
)

// mmDims is the derived geometry of one matmul: per-operand dimensions,
// leading dimensions, batch strides in elements (zero = broadcast) and
// device buffer byte sizes. Derivation is pure; every inconsistency is
// reported before any device call.
type mmDims struct {
	m, n, k int
	batch   int

	wRows, wCols, lda       int
	aRows, aCols, ldb       int
	outRows, outCols, ldc   int
	strideW, strideA        int64
	strideOut               int64
	wSlices, aSlices        int
	outSlices               int
	wBytes, aBytes, outBytes uint64
	biasBytes               uint64
}

// sliceDims splits a 2-D or 3-D operand shape into (slices, rows, cols).
// A 2-D shape has one slice; a 3-D shape's leading dimension is the slice
// count.
func sliceDims(shape tensor.Shape) (slices, rows, cols int, ok bool) {
	switch len(shape) {
	case 2:
		return 1, shape[0], shape[1], true
	case 3:
		return shape[0], shape[1], shape[2], true
	default:
		return 0, 0, 0, false
	}
}

// deriveDims computes the matmul geometry for weight (m×k), activation
// (k×n) and output (m×n) with the configured transpose flags and
// row-major order.
//
// Batching: a 3-D operand carries one slice per batch instance (stride
// rows×cols). A 2-D weight with batch > 1 broadcasts one slice across the
// batch (stride zero). Activation and output must carry the batch
// dimension when batch > 1.
func deriveDims(cfg Config, weight, activation, output, bias *tensor.Matrix, batch int) (mmDims, error) {
	var d mmDims
	d.batch = batch

	wSlices, wd0, wd1, ok := sliceDims(weight.Shape())
	if !ok {
		return d, &ShapeMismatchError{Operand: "weight", Reason: fmt.Sprintf("want 2-D or 3-D, got %v", weight.Shape())}
	}
	aSlices, ad0, ad1, ok := sliceDims(activation.Shape())
	if !ok {
		return d, &ShapeMismatchError{Operand: "activation", Reason: fmt.Sprintf("want 2-D or 3-D, got %v", activation.Shape())}
	}
	oSlices, od0, od1, ok := sliceDims(output.Shape())
	if !ok {
		return d, &ShapeMismatchError{Operand: "output", Reason: fmt.Sprintf("want 2-D or 3-D, got %v", output.Shape())}
	}

	// Logical dimensions before transposition.
	d.m, d.k = wd0, wd1
	aK, aN := ad0, ad1
	if cfg.OpWeight == OpTranspose {
		d.m, d.k = wd1, wd0
	}
	if cfg.OpActivation == OpTranspose {
		aK, aN = ad1, ad0
	}
	d.n = aN

	if aK != d.k {
		return d, &ShapeMismatchError{
			Operand: "activation",
			Reason:  fmt.Sprintf("inner dimension %d does not match weight inner dimension %d", aK, d.k),
		}
	}
	if od0 != d.m || od1 != d.n {
		return d, &ShapeMismatchError{
			Operand: "output",
			Reason:  fmt.Sprintf("want %d×%d, got %d×%d", d.m, d.n, od0, od1),
		}
	}
	if len(bias.Shape()) != 1 || bias.Shape()[0] != d.m {
		return d, &ShapeMismatchError{
			Operand: "bias",
			Reason:  fmt.Sprintf("want %d elements, got shape %v", d.m, bias.Shape()),
		}
	}

	// Slice counts against the batch.
	switch {
	case wSlices == batch:
	case wSlices == 1:
		// One weight slice broadcast across the batch.
	default:
		return d, &ShapeMismatchError{
			Operand: "weight",
			Reason:  fmt.Sprintf("%d slices for batch count %d", wSlices, batch),
		}
	}
	if aSlices != batch {
		return d, &ShapeMismatchError{
			Operand: "activation",
			Reason:  fmt.Sprintf("%d slices for batch count %d", aSlices, batch),
		}
	}
	if oSlices != batch {
		return d, &ShapeMismatchError{
			Operand: "output",
			Reason:  fmt.Sprintf("%d slices for batch count %d", oSlices, batch),
		}
	}

	// Storage dimensions and leading dimensions (row-major: ld = cols).
	d.wRows, d.wCols = wd0, wd1
	d.aRows, d.aCols = ad0, ad1
	d.outRows, d.outCols = od0, od1
	d.lda = d.wCols
	d.ldb = d.aCols
	d.ldc = d.outCols

	// Batch strides in elements; zero broadcasts the single slice.
	d.wSlices, d.aSlices, d.outSlices = wSlices, aSlices, oSlices
	if wSlices == batch && batch > 1 {
		d.strideW = int64(d.wRows) * int64(d.wCols)
	}
	d.strideA = int64(d.aRows) * int64(d.aCols)
	d.strideOut = int64(d.outRows) * int64(d.outCols)

	elem := uint64(tensor.Float16.Size())
	d.wBytes = uint64(wSlices) * uint64(d.wRows) * uint64(d.wCols) * elem
	d.aBytes = uint64(aSlices) * uint64(d.aRows) * uint64(d.aCols) * elem
	d.outBytes = uint64(oSlices) * uint64(d.outRows) * uint64(d.outCols) * elem
	d.biasBytes = uint64(d.m) * uint64(tensor.Float32.Size())

	return d, nil
}
