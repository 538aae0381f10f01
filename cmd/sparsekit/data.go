package main

import (
	"fmt"
	"math/rand"

	"github.com/sparsekit/sparsekit/backend/sim"
	"github.com/sparsekit/sparsekit/backend/webgpu"
	"github.com/sparsekit/sparsekit/sparse"
	"github.com/sparsekit/sparsekit/tensor"
)

// openDevice opens the named backend: "sim" or "webgpu".
func openDevice(name string) (sparse.Device, error) {
	switch name {
	case "", "sim":
		return sim.New(), nil
	case "webgpu":
		if !webgpu.IsAvailable() {
			return nil, fmt.Errorf("webgpu backend is not available on this system")
		}
		return webgpu.New()
	default:
		return nil, fmt.Errorf("unknown backend %q (want sim or webgpu)", name)
	}
}

// randMatrix fills a matrix of the given shape with uniform values in
// [-1, 1).
func randMatrix(rng *rand.Rand, shape tensor.Shape, dtype tensor.DataType) (*tensor.Matrix, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = rng.Float32()*2 - 1
	}
	return tensor.FromFloat32(values, shape, dtype)
}

// problem bundles the four operands of one pipeline run.
type problem struct {
	weight     *tensor.Matrix
	activation *tensor.Matrix
	output     *tensor.Matrix
	bias       *tensor.Matrix
}

// buildProblem creates deterministic random operands for an m×k by k×n
// matmul. With broadcast set, the weight stays 2-D and is shared across
// the batch; otherwise every operand carries the batch dimension.
func buildProblem(seed int64, m, n, k, batch int, broadcast bool) (*problem, error) {
	rng := rand.New(rand.NewSource(seed))

	wShape := tensor.Shape{batch, m, k}
	if broadcast || batch == 1 {
		wShape = tensor.Shape{m, k}
	}
	aShape := tensor.Shape{k, n}
	oShape := tensor.Shape{m, n}
	if batch > 1 {
		aShape = tensor.Shape{batch, k, n}
		oShape = tensor.Shape{batch, m, n}
	}

	var p problem
	var err error
	if p.weight, err = randMatrix(rng, wShape, tensor.Float16); err != nil {
		return nil, err
	}
	if p.activation, err = randMatrix(rng, aShape, tensor.Float16); err != nil {
		return nil, err
	}
	if p.output, err = tensor.NewMatrix(oShape, tensor.Float16); err != nil {
		return nil, err
	}
	if p.bias, err = randMatrix(rng, tensor.Shape{m}, tensor.Float32); err != nil {
		return nil, err
	}
	return &p, nil
}
