package tensor

import "fmt"

// Shape represents the dimensions of a matrix or a batched stack of
// matrices. Shape{128, 256} is a single 128×256 matrix; Shape{4, 128, 256}
// is four stacked 128×256 slices.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// String formats the shape as "128×256" / "4×128×256".
func (s Shape) String() string {
	if len(s) == 0 {
		return "scalar"
	}
	out := fmt.Sprintf("%d", s[0])
	for _, dim := range s[1:] {
		out += fmt.Sprintf("×%d", dim)
	}
	return out
}
