// Package spmath is the structured-sparse math library the pipeline drives:
// an opaque handle bound to a device, matrix descriptors, algorithm
// selection and compiled matmul plans, plus the prune/check/compress/matmul
// operations. It owns the compressed representation and all descriptor
// validation; the actual kernels run on the bound device.
package spmath

import (
	"errors"

	"github.com/sparsekit/sparsekit/internal/device"
)

// Alignment is the byte alignment the library mandates for matrix buffers
// and compressed regions.
const Alignment = 16

// supportedCapabilities is the compute-capability allowlist for the
// structured-sparse matmul path.
var supportedCapabilities = [][2]int{{8, 0}, {8, 6}}

// SupportedCapability reports whether the library supports a device
// compute capability.
func SupportedCapability(major, minor int) bool {
	for _, cc := range supportedCapabilities {
		if cc[0] == major && cc[1] == minor {
			return true
		}
	}
	return false
}

// Handle is the library session. It must be created before any descriptor
// or plan and must outlive all of them: Close fails while descriptors or
// plans derived from it are still live.
type Handle struct {
	dev    device.Device
	live   int // live descriptors and plans
	closed bool
}

// Init creates a library handle bound to a device.
func Init(dev device.Device) (*Handle, error) {
	if dev == nil {
		return nil, errf("Init", StatusInvalidValue, errors.New("nil device"))
	}
	return &Handle{dev: dev}, nil
}

// Device returns the bound device.
func (h *Handle) Device() device.Device {
	return h.dev
}

// Close releases the handle. It refuses while descriptors or plans are
// still live, so teardown order is enforced structurally.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	if h.live > 0 {
		return errf("Handle.Close", StatusInvalidValue,
			errors.New("descriptors or plans still live; destroy them first"))
	}
	h.closed = true
	return nil
}

// ok verifies the handle is usable.
func (h *Handle) ok(op string) error {
	if h == nil || h.dev == nil {
		return errf(op, StatusNotInitialized, errors.New("handle not initialized"))
	}
	if h.closed {
		return errf(op, StatusNotInitialized, errors.New("handle closed"))
	}
	return nil
}
