// Package tensor provides the public API for the host-side matrix types
// the sparse pipeline consumes: densely packed f16/f32 matrices with
// explicit shapes, plus the half-precision conversion helpers.
package tensor

import (
	"github.com/sparsekit/sparsekit/internal/tensor"
)

// DataType represents the element type of a matrix.
type DataType = tensor.DataType

// Data type constants.
const (
	Float16 DataType = tensor.Float16
	Float32 DataType = tensor.Float32
)

// Shape represents the dimensions of a matrix.
// Example: Shape{128, 256} is a 128×256 matrix.
type Shape = tensor.Shape

// Matrix is a host-resident, densely packed matrix.
type Matrix = tensor.Matrix

// NewMatrix creates a zero-filled matrix.
func NewMatrix(shape Shape, dtype DataType) (*Matrix, error) {
	return tensor.NewMatrix(shape, dtype)
}

// FromFloat32 creates a matrix from float32 values, converting to f16
// when dtype is Float16.
func FromFloat32(values []float32, shape Shape, dtype DataType) (*Matrix, error) {
	return tensor.FromFloat32(values, shape, dtype)
}

// Float16ToFloat32 converts an IEEE 754 half-precision value.
func Float16ToFloat32(bits uint16) float32 {
	return tensor.Float16ToFloat32(bits)
}

// Float32ToFloat16 converts to IEEE 754 half precision, rounding to
// nearest even.
func Float32ToFloat16(f float32) uint16 {
	return tensor.Float32ToFloat16(f)
}
