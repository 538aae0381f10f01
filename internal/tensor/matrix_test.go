package tensor

import (
	"testing"
)

func TestNewMatrix(t *testing.T) {
	m, err := NewMatrix(Shape{4, 8}, Float16)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	if m.NumElements() != 32 {
		t.Errorf("NumElements = %d, want 32", m.NumElements())
	}
	if m.ByteSize() != 64 {
		t.Errorf("ByteSize = %d, want 64", m.ByteSize())
	}
	for _, b := range m.Data() {
		if b != 0 {
			t.Fatal("new matrix is not zeroed")
		}
	}
}

func TestNewMatrixInvalidShape(t *testing.T) {
	if _, err := NewMatrix(Shape{4, 0}, Float16); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewMatrix(Shape{-1, 8}, Float32); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestFromFloat32(t *testing.T) {
	values := []float32{1, -2, 0.5, 4}

	f32, err := FromFloat32(values, Shape{2, 2}, Float32)
	if err != nil {
		t.Fatalf("FromFloat32 f32: %v", err)
	}
	for i, v := range f32.AsFloat32() {
		if v != values[i] {
			t.Errorf("f32[%d] = %v, want %v", i, v, values[i])
		}
	}

	f16, err := FromFloat32(values, Shape{2, 2}, Float16)
	if err != nil {
		t.Fatalf("FromFloat32 f16: %v", err)
	}
	for i, v := range f16.Float32Values() {
		if v != values[i] { // all four values are exact in f16
			t.Errorf("f16[%d] = %v, want %v", i, v, values[i])
		}
	}
}

func TestFromFloat32LengthMismatch(t *testing.T) {
	if _, err := FromFloat32([]float32{1, 2, 3}, Shape{2, 2}, Float16); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestFill(t *testing.T) {
	m, err := NewMatrix(Shape{3, 4}, Float16)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	m.Fill(1.5)
	for i, v := range m.Float32Values() {
		if v != 1.5 {
			t.Fatalf("element %d = %v after Fill(1.5)", i, v)
		}
	}
}

func TestShapeString(t *testing.T) {
	if s := (Shape{128, 256}).String(); s != "128×256" {
		t.Errorf("String = %q", s)
	}
	if s := (Shape{4, 128, 256}).String(); s != "4×128×256" {
		t.Errorf("String = %q", s)
	}
}

func TestShapeEqualClone(t *testing.T) {
	s := Shape{2, 3}
	c := s.Clone()
	if !s.Equal(c) {
		t.Error("clone not equal")
	}
	c[0] = 9
	if s[0] != 2 {
		t.Error("clone shares backing array")
	}
	if s.Equal(Shape{2, 3, 1}) {
		t.Error("shapes of different rank compare equal")
	}
}
