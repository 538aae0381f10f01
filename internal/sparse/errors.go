package sparse

import "fmt"

// Stage tracks how far a session has progressed through the pipeline.
// Each operation checks the stage and fails fast when called out of order.
type Stage int

// Pipeline stages in required order. StageFailed marks a session whose
// Init errored partway; only Close is valid from there.
const (
	StageFailed Stage = iota - 1
	StageConstructed
	StageInitialized
	StagePruned
	StageCompressed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageFailed:
		return "failed"
	case StageConstructed:
		return "constructed"
	case StageInitialized:
		return "initialized"
	case StagePruned:
		return "pruned"
	case StageCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// StageError reports an operation invoked out of pipeline order.
type StageError struct {
	Op    string
	Stage Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sparse: %s called in stage %q", e.Op, e.Stage)
}

// DeviceUnsupportedError reports a device whose compute capability is not
// on the library allowlist.
type DeviceUnsupportedError struct {
	Major, Minor int
}

func (e *DeviceUnsupportedError) Error() string {
	return fmt.Sprintf("sparse: structured-sparse matmul requires compute capability 8.0 or 8.6, device reports %d.%d",
		e.Major, e.Minor)
}

// ShapeMismatchError reports inconsistent dimensions between the weight,
// activation, bias and output operands. It is raised before any device
// allocation.
type ShapeMismatchError struct {
	Operand string
	Reason  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("sparse: shape mismatch for %s: %s", e.Operand, e.Reason)
}

// PruneValidationError reports that the pruned weight failed the
// post-prune correctness check: the matmul plan would produce wrong
// results, so the session must not proceed.
type PruneValidationError struct{}

func (e *PruneValidationError) Error() string {
	return "sparse: pruned weight does not satisfy the 2:4 sparsity constraint"
}

// CompressionError wraps a failure in the compress stage.
type CompressionError struct {
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("sparse: compress: %v", e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// ExecutionError wraps a failure in the matmul stage.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sparse: masked_mm: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
