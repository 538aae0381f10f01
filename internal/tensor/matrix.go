package tensor

import (
	"fmt"
	"unsafe"
)

// Matrix is a contiguous row-major host buffer with shape and element type
// metadata. It is the unit of exchange with the sparse pipeline: weights,
// activations, outputs (float16) and bias vectors (float32).
type Matrix struct {
	data  []byte
	shape Shape
	dtype DataType
}

// NewMatrix creates a zero-initialized matrix with the given shape and type.
func NewMatrix(shape Shape, dtype DataType) (*Matrix, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Matrix{
		data:  make([]byte, shape.NumElements()*dtype.Size()),
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// FromFloat32 creates a matrix from float32 values, converting to the
// target element type. len(values) must match the shape.
func FromFloat32(values []float32, shape Shape, dtype DataType) (*Matrix, error) {
	m, err := NewMatrix(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(values))
	}
	switch dtype {
	case Float16:
		dst := m.AsUint16()
		for i, v := range values {
			dst[i] = Float32ToFloat16(v)
		}
	case Float32:
		copy(m.AsFloat32(), values)
	}
	return m, nil
}

// Shape returns the matrix shape.
func (m *Matrix) Shape() Shape {
	return m.shape
}

// DType returns the element type.
func (m *Matrix) DType() DataType {
	return m.dtype
}

// NumElements returns the total number of elements.
func (m *Matrix) NumElements() int {
	return m.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (m *Matrix) ByteSize() int {
	return len(m.data)
}

// Data returns the raw byte slice.
// WARNING: direct access to underlying memory, modifications are visible to
// every holder of the matrix.
func (m *Matrix) Data() []byte {
	return m.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the element type is not Float32.
func (m *Matrix) AsFloat32() []float32 {
	if m.dtype != Float32 {
		panic(fmt.Sprintf("matrix dtype is %s, not float32", m.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&m.data[0])), m.NumElements())
}

// AsUint16 interprets the data as raw float16 bit patterns.
// Panics if the element type is not Float16.
func (m *Matrix) AsUint16() []uint16 {
	if m.dtype != Float16 {
		panic(fmt.Sprintf("matrix dtype is %s, not float16", m.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by NumElements()
	return unsafe.Slice((*uint16)(unsafe.Pointer(&m.data[0])), m.NumElements())
}

// Float32Values decodes the matrix into a fresh []float32, converting from
// float16 when needed. Intended for inspection and tests, not hot paths.
func (m *Matrix) Float32Values() []float32 {
	out := make([]float32, m.NumElements())
	switch m.dtype {
	case Float16:
		src := m.AsUint16()
		for i, h := range src {
			out[i] = Float16ToFloat32(h)
		}
	case Float32:
		copy(out, m.AsFloat32())
	}
	return out
}

// Fill sets every element to the given value.
func (m *Matrix) Fill(v float32) {
	switch m.dtype {
	case Float16:
		h := Float32ToFloat16(v)
		dst := m.AsUint16()
		for i := range dst {
			dst[i] = h
		}
	case Float32:
		dst := m.AsFloat32()
		for i := range dst {
			dst[i] = v
		}
	}
}
