// Package sparse implements the structured-sparse linear session: a
// four-stage pipeline (init → prune → compress → masked_mm) over a weight
// matrix, driven against one device through the spmath library.
//
// A session owns every device resource it creates (buffers, descriptors,
// the matmul plan and the library handle) and releases them exactly once
// in Close, in reverse-dependency order. Sessions are not safe for
// concurrent use; run one logical computation per session at a time.
package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/spmath"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// Re-exported spmath types so callers configure a session without
// importing the library layer.
type (
	// Op is a transpose flag for the weight or activation operand.
	Op = spmath.Op
	// Order is the matrix storage order.
	Order = spmath.Order
	// PruneAlg selects the pruning strategy.
	PruneAlg = spmath.PruneAlg
)

// Re-exported spmath constants.
const (
	OpNonTranspose = spmath.OpNonTranspose
	OpTranspose    = spmath.OpTranspose
	OrderRow       = spmath.OrderRow
	PruneAlgStrip  = spmath.PruneAlgStrip
)

// Config fixes the per-session design parameters. The zero value is not
// valid; start from DefaultConfig.
type Config struct {
	// DType is the storage precision of weight, activation and output.
	DType tensor.DataType
	// Order is the storage order of all operands.
	Order Order
	// OpWeight and OpActivation are the operand transpose flags.
	OpWeight     Op
	OpActivation Op
	// PruneAlg is the pruning strategy used by Prune.
	PruneAlg PruneAlg
	// AlgConfigID selects the matmul algorithm variant.
	AlgConfigID int
}

// DefaultConfig returns the baseline configuration: f16 row-major
// non-transposed operands, strip pruning, default algorithm.
func DefaultConfig() Config {
	return Config{
		DType:        tensor.Float16,
		Order:        OrderRow,
		OpWeight:     OpNonTranspose,
		OpActivation: OpNonTranspose,
		PruneAlg:     PruneAlgStrip,
	}
}

// Linear is one sparse matmul session. Construct it with New, then call
// Init, Prune, Compress and MaskedMM in order; MaskedMM may repeat.
type Linear struct {
	cfg    Config
	weight *tensor.Matrix // borrowed from the caller for the duration of Init
	batch  int

	stage  Stage
	closed bool

	dev    device.Device
	handle *spmath.Handle

	descW, descA, descOut *spmath.MatDesc
	matmul                *spmath.MatmulDesc
	alg                   *spmath.AlgSelection
	plan                  *spmath.Plan

	wBuf, aBuf, outBuf    device.Buffer
	biasBuf, compBuf      device.Buffer
	output                *tensor.Matrix // caller-provided output storage
	activationShape       tensor.Shape
	dims                  mmDims
	workspaceSize         uint64
}

// New constructs a session over a weight matrix with the given batch
// count. The weight is 2-D (m×k), or 3-D (batch×m×k) for per-batch weight
// slices; a 2-D weight with batch > 1 is broadcast across the batch.
func New(weight *tensor.Matrix, batch int) (*Linear, error) {
	return NewWithConfig(weight, batch, DefaultConfig())
}

// NewWithConfig constructs a session with explicit design parameters.
func NewWithConfig(weight *tensor.Matrix, batch int, cfg Config) (*Linear, error) {
	if weight == nil {
		return nil, fmt.Errorf("sparse: nil weight matrix")
	}
	if weight.DType() != cfg.DType {
		return nil, fmt.Errorf("sparse: weight dtype %s does not match session precision %s", weight.DType(), cfg.DType)
	}
	if nd := len(weight.Shape()); nd != 2 && nd != 3 {
		return nil, &ShapeMismatchError{Operand: "weight", Reason: fmt.Sprintf("want 2-D or 3-D, got %v", weight.Shape())}
	}
	if batch < 1 {
		return nil, fmt.Errorf("sparse: batch count %d", batch)
	}
	if cfg.Order != OrderRow {
		return nil, fmt.Errorf("sparse: only row-major order is supported")
	}
	return &Linear{cfg: cfg, weight: weight, batch: batch, stage: StageConstructed}, nil
}

// Stage returns the session's pipeline stage.
func (l *Linear) Stage() Stage {
	return l.stage
}

// Init binds the session to a device and an activation/output/bias shape:
// it gates on device capability, derives the matmul geometry, allocates
// and populates the device buffers, builds the three matrix descriptors
// and compiles the matmul plan.
//
// The output matrix is the caller's storage; MaskedMM writes results into
// it. The bias must be a float32 vector with one element per output row.
// On failure the session moves to StageFailed and is unusable except for
// Close, which releases whatever was allocated.
func (l *Linear) Init(dev device.Device, activation, output, bias *tensor.Matrix) error {
	if l.closed {
		return fmt.Errorf("sparse: session closed")
	}
	if l.stage != StageConstructed {
		return &StageError{Op: "init", Stage: l.stage}
	}
	if err := l.init(dev, activation, output, bias); err != nil {
		l.stage = StageFailed
		return err
	}
	l.stage = StageInitialized
	return nil
}

func (l *Linear) init(dev device.Device, activation, output, bias *tensor.Matrix) error {
	if dev == nil || activation == nil || output == nil || bias == nil {
		return fmt.Errorf("sparse: init requires a device and activation, output and bias matrices")
	}
	if activation.DType() != l.cfg.DType {
		return fmt.Errorf("sparse: activation dtype %s does not match session precision %s", activation.DType(), l.cfg.DType)
	}
	if output.DType() != l.cfg.DType {
		return fmt.Errorf("sparse: output dtype %s does not match session precision %s", output.DType(), l.cfg.DType)
	}
	if bias.DType() != tensor.Float32 {
		return fmt.Errorf("sparse: bias dtype %s, want float32", bias.DType())
	}

	// Capability gate runs before any allocation or descriptor creation.
	attrs, err := dev.Attributes()
	if err != nil {
		return err
	}
	if !spmath.SupportedCapability(attrs.ComputeCapabilityMajor, attrs.ComputeCapabilityMinor) {
		return &DeviceUnsupportedError{Major: attrs.ComputeCapabilityMajor, Minor: attrs.ComputeCapabilityMinor}
	}

	// Geometry derivation is pure and precedes every device call.
	dims, err := deriveDims(l.cfg, l.weight, activation, output, bias, l.batch)
	if err != nil {
		return err
	}
	l.dims = dims
	l.dev = dev

	if l.handle, err = spmath.Init(dev); err != nil {
		return err
	}

	// Device buffers. The output buffer is seeded from the caller's
	// storage so it serves both the accumulate source and destination
	// roles of the plan.
	if l.wBuf, err = dev.Alloc(dims.wBytes); err != nil {
		return err
	}
	if err = dev.CopyToDevice(l.wBuf, l.weight.Data()); err != nil {
		return err
	}
	if l.aBuf, err = dev.Alloc(dims.aBytes); err != nil {
		return err
	}
	if err = dev.CopyToDevice(l.aBuf, activation.Data()); err != nil {
		return err
	}
	if l.outBuf, err = dev.Alloc(dims.outBytes); err != nil {
		return err
	}
	if err = dev.CopyToDevice(l.outBuf, output.Data()); err != nil {
		return err
	}
	if l.biasBuf, err = dev.Alloc(dims.biasBytes); err != nil {
		return err
	}
	if err = dev.CopyToDevice(l.biasBuf, bias.Data()); err != nil {
		return err
	}

	// Descriptors: structured weight, dense activation and output. The
	// output descriptor serves both the accumulate and destination roles.
	if l.descW, err = l.handle.StructuredDescriptor(dims.wRows, dims.wCols, dims.lda,
		spmath.Alignment, l.cfg.DType, l.cfg.Order, spmath.Sparsity50); err != nil {
		return err
	}
	if l.descA, err = l.handle.DenseDescriptor(dims.aRows, dims.aCols, dims.ldb,
		spmath.Alignment, l.cfg.DType, l.cfg.Order); err != nil {
		return err
	}
	if l.descOut, err = l.handle.DenseDescriptor(dims.outRows, dims.outCols, dims.ldc,
		spmath.Alignment, l.cfg.DType, l.cfg.Order); err != nil {
		return err
	}

	// Batch count and stride attributes on all three descriptors.
	for _, set := range []struct {
		desc   *spmath.MatDesc
		stride int64
	}{
		{l.descW, dims.strideW},
		{l.descA, dims.strideA},
		{l.descOut, dims.strideOut},
	} {
		if err = set.desc.SetBatchCount(l.batch); err != nil {
			return err
		}
		if err = set.desc.SetBatchStride(set.stride); err != nil {
			return err
		}
	}

	if l.matmul, err = l.handle.MatmulDescriptor(l.cfg.OpWeight, l.cfg.OpActivation,
		l.descW, l.descA, l.descOut, l.descOut); err != nil {
		return err
	}
	if err = l.matmul.SetBiasPointer(l.biasBuf); err != nil {
		return err
	}

	if l.alg, err = l.handle.AlgSelectionDefault(l.matmul); err != nil {
		return err
	}
	if err = l.alg.SetConfigID(l.cfg.AlgConfigID); err != nil {
		return err
	}
	if l.workspaceSize, err = l.handle.MatmulWorkspace(l.matmul, l.alg); err != nil {
		return err
	}
	if l.plan, err = l.handle.PlanInit(l.matmul, l.alg, l.workspaceSize); err != nil {
		return err
	}

	l.output = output
	l.activationShape = activation.Shape().Clone()
	return nil
}

// Prune rewrites the weight buffer in place to satisfy the 2:4 constraint
// and verifies the result. The check is the pipeline's one synchronous
// host/device round-trip. Pruning an already-pruned weight passes
// validation again.
func (l *Linear) Prune() error {
	if l.closed {
		return fmt.Errorf("sparse: session closed")
	}
	if l.stage != StageInitialized && l.stage != StagePruned {
		return &StageError{Op: "prune", Stage: l.stage}
	}

	if err := l.handle.PruneStrip(l.descW, l.cfg.OpWeight, l.wBuf, l.cfg.PruneAlg); err != nil {
		return err
	}

	flag, err := l.dev.Alloc(4)
	if err != nil {
		return err
	}
	checkErr := l.handle.PruneCheck(l.descW, l.cfg.OpWeight, l.wBuf, flag)
	var raw [4]byte
	if checkErr == nil {
		checkErr = l.dev.CopyFromDevice(raw[:], flag)
	}
	// The scratch flag is freed whatever the check said.
	if freeErr := l.dev.Free(flag); freeErr != nil && checkErr == nil {
		checkErr = freeErr
	}
	if checkErr != nil {
		return checkErr
	}
	if binary.LittleEndian.Uint32(raw[:]) != 0 {
		return &PruneValidationError{}
	}

	l.stage = StagePruned
	return nil
}

// Compress queries the compressed size for the current weight descriptor,
// allocates a buffer of exactly that size and packs the pruned weight
// into it on the device stream.
func (l *Linear) Compress() error {
	if l.closed {
		return fmt.Errorf("sparse: session closed")
	}
	if l.stage != StagePruned {
		return &StageError{Op: "compress", Stage: l.stage}
	}

	size, _, err := l.handle.CompressedSize(l.descW)
	if err != nil {
		return &CompressionError{Err: err}
	}
	if l.compBuf, err = l.dev.Alloc(size); err != nil {
		return &CompressionError{Err: err}
	}
	if err = l.handle.Compress(l.descW, l.cfg.OpWeight, l.wBuf, l.compBuf); err != nil {
		return &CompressionError{Err: err}
	}

	l.stage = StageCompressed
	return nil
}

// MaskedMM runs the matmul with multiply-scale 1 and accumulate-scale 0:
// output = weight_compressed × activation + bias, overwriting whatever the
// output buffer held. The result lands in the caller's output matrix.
// Repeatable while shapes are unchanged.
func (l *Linear) MaskedMM() error {
	return l.MaskedMMWithOptions(nil, 0)
}

// MaskedMMWithOptions is MaskedMM with an optional caller-supplied
// workspace buffer and extra streams for higher-throughput batched
// execution. The baseline plan needs neither.
func (l *Linear) MaskedMMWithOptions(workspace device.Buffer, extraStreams int) error {
	if l.closed {
		return fmt.Errorf("sparse: session closed")
	}
	if l.stage != StageCompressed {
		return &StageError{Op: "masked_mm", Stage: l.stage}
	}

	const (
		alpha = 1.0
		beta  = 0.0
	)
	if err := l.plan.Matmul(alpha, l.compBuf, l.aBuf, beta, l.outBuf, l.outBuf, workspace, extraStreams); err != nil {
		return &ExecutionError{Err: err}
	}
	if err := l.dev.CopyFromDevice(l.output.Data(), l.outBuf); err != nil {
		return &ExecutionError{Err: err}
	}
	return nil
}

// SetActivation re-uploads activation content for a repeated MaskedMM.
// The shape and precision must match the ones Init was called with.
func (l *Linear) SetActivation(activation *tensor.Matrix) error {
	if l.closed {
		return fmt.Errorf("sparse: session closed")
	}
	if l.stage < StageInitialized {
		return &StageError{Op: "set_activation", Stage: l.stage}
	}
	if activation == nil {
		return fmt.Errorf("sparse: nil activation matrix")
	}
	if activation.DType() != l.cfg.DType {
		return fmt.Errorf("sparse: activation dtype %s does not match session precision %s", activation.DType(), l.cfg.DType)
	}
	if !activation.Shape().Equal(l.activationShape) {
		return &ShapeMismatchError{
			Operand: "activation",
			Reason:  fmt.Sprintf("want %v as bound by init, got %v", l.activationShape, activation.Shape()),
		}
	}
	return l.dev.CopyToDevice(l.aBuf, activation.Data())
}

// WorkspaceSize reports the scratch requirement of the compiled plan.
func (l *Linear) WorkspaceSize() uint64 {
	return l.workspaceSize
}

// Stats returns the bound device's allocation counters.
func (l *Linear) Stats() device.Stats {
	if l.dev == nil {
		return device.Stats{}
	}
	return l.dev.Stats()
}

// Close releases everything the session owns, in reverse-dependency
// order: compressed weight, then the init-stage buffers, then the plan,
// the descriptors and finally the library handle. Safe after a partial
// Init and idempotent.
func (l *Linear) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	free := func(buf *device.Buffer) {
		if *buf == nil {
			return
		}
		if err := l.dev.Free(*buf); err != nil {
			errs = append(errs, err)
		}
		*buf = nil
	}
	free(&l.compBuf)
	free(&l.biasBuf)
	free(&l.outBuf)
	free(&l.aBuf)
	free(&l.wBuf)

	if l.plan != nil {
		if err := l.plan.Destroy(); err != nil {
			errs = append(errs, err)
		}
		l.plan = nil
	}
	for _, d := range []**spmath.MatDesc{&l.descOut, &l.descA, &l.descW} {
		if *d == nil {
			continue
		}
		if err := (*d).Destroy(); err != nil {
			errs = append(errs, err)
		}
		*d = nil
	}
	if l.handle != nil {
		if err := l.handle.Close(); err != nil {
			errs = append(errs, err)
		}
		l.handle = nil
	}
	return errors.Join(errs...)
}
