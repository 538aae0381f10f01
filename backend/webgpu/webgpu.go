// Package webgpu provides the public constructor for the GPU device
// backed by WebGPU through go-webgpu.
package webgpu

import (
	"github.com/sparsekit/sparsekit/internal/device/webgpu"
)

// Device is the WebGPU-backed accelerator.
type Device = webgpu.Device

// New opens the default high-performance adapter.
func New() (*Device, error) {
	return webgpu.New()
}

// IsAvailable checks if WebGPU is usable on this system.
func IsAvailable() bool {
	return webgpu.IsAvailable()
}
