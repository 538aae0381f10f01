// Package sim provides the public constructor for the in-process
// reference device: host-memory buffers and a single ordered stream. It
// runs everywhere, needs no GPU, and is the device the test suite uses.
package sim

import (
	"github.com/sparsekit/sparsekit/internal/device/sim"
)

// Device is the in-process reference device.
type Device = sim.Device

// Option configures a device at creation.
type Option = sim.Option

// WithComputeCapability overrides the reported compute capability.
func WithComputeCapability(major, minor int) Option {
	return sim.WithComputeCapability(major, minor)
}

// WithName overrides the reported device name.
func WithName(name string) Option {
	return sim.WithName(name)
}

// WithMemoryLimit caps the total live bytes the device will allocate.
func WithMemoryLimit(limit uint64) Option {
	return sim.WithMemoryLimit(limit)
}

// New creates a reference device.
func New(opts ...Option) *Device {
	return sim.New(opts...)
}
