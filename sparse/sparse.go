// Package sparse provides the public API for 2:4 structured-sparse
// linear algebra: a session that prunes a weight matrix to 50% sparsity,
// compresses it, and runs compressed-times-dense matmuls on a device.
//
// Example:
//
//	dev := sim.New()
//	lin, _ := sparse.New(weight, 1)
//	defer lin.Close()
//	_ = lin.Init(dev, activation, output, bias)
//	_ = lin.Prune()
//	_ = lin.Compress()
//	_ = lin.MaskedMM() // result lands in output
package sparse

import (
	"github.com/sparsekit/sparsekit/internal/device"
	"github.com/sparsekit/sparsekit/internal/sparse"
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// Device is an accelerator a session binds to. Implementations live in
// the backend packages.
type Device = device.Device

// Stats is the device allocation accounting snapshot.
type Stats = device.Stats

// Linear is one sparse matmul session: init, prune, compress, then any
// number of masked matmuls.
type Linear = sparse.Linear

// Config fixes the per-session design parameters.
type Config = sparse.Config

// Stage tracks a session's progress through the pipeline.
type Stage = sparse.Stage

// Pipeline stages.
const (
	StageFailed      = sparse.StageFailed
	StageConstructed = sparse.StageConstructed
	StageInitialized = sparse.StageInitialized
	StagePruned      = sparse.StagePruned
	StageCompressed  = sparse.StageCompressed
)

// Operand and algorithm configuration types.
type (
	// Op is a transpose flag for the weight or activation operand.
	Op = sparse.Op
	// Order is the matrix storage order.
	Order = sparse.Order
	// PruneAlg selects the pruning strategy.
	PruneAlg = sparse.PruneAlg
)

// Configuration constants.
const (
	OpNonTranspose = sparse.OpNonTranspose
	OpTranspose    = sparse.OpTranspose
	OrderRow       = sparse.OrderRow
	PruneAlgStrip  = sparse.PruneAlgStrip
)

// Error types callers can match with errors.As.
type (
	// StageError reports an operation invoked out of pipeline order.
	StageError = sparse.StageError
	// DeviceUnsupportedError reports a device the library cannot drive.
	DeviceUnsupportedError = sparse.DeviceUnsupportedError
	// ShapeMismatchError reports inconsistent operand dimensions.
	ShapeMismatchError = sparse.ShapeMismatchError
	// PruneValidationError reports a weight that failed the 2:4 check.
	PruneValidationError = sparse.PruneValidationError
	// CompressionError wraps a failure in the compress stage.
	CompressionError = sparse.CompressionError
	// ExecutionError wraps a failure in the matmul stage.
	ExecutionError = sparse.ExecutionError
)

// New constructs a session over a weight matrix with the given batch
// count, using the default configuration.
func New(weight *tensor.Matrix, batch int) (*Linear, error) {
	return sparse.New(weight, batch)
}

// NewWithConfig constructs a session with explicit design parameters.
func NewWithConfig(weight *tensor.Matrix, batch int, cfg Config) (*Linear, error) {
	return sparse.NewWithConfig(weight, batch, cfg)
}

// DefaultConfig returns the baseline configuration: f16 row-major
// non-transposed operands, strip pruning, default algorithm.
func DefaultConfig() Config {
	return sparse.DefaultConfig()
}
