// Package tensor provides the host-side matrix types consumed by the
// sparse matmul pipeline: shapes, element types and contiguous row-major
// matrices. Device-resident data is managed elsewhere (internal/device);
// this package only describes and holds host memory.
package tensor

// DataType represents runtime type information for matrix elements.
type DataType int

// Supported element types.
//
// Float16 is the storage type for weights, activations and outputs;
// Float32 is used for bias vectors and accumulation.
const (
	Float16 DataType = iota
	Float32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}
