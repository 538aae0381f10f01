package spmath

import (
	"errors"
	"fmt"

	"github.com/sparsekit/sparsekit/internal/device"
)

// Plan is a compiled matmul recipe bound to a matmul descriptor and
// algorithm selection. It stays valid until Destroy, or until any bound
// descriptor is destroyed.
type Plan struct {
	handle        *Handle
	md            *MatmulDesc
	sel           *AlgSelection
	workspaceSize uint64
	destroyed     bool
}

// MatmulWorkspace reports the scratch size the selected algorithm needs.
// The default algorithm runs without scratch.
func (h *Handle) MatmulWorkspace(md *MatmulDesc, sel *AlgSelection) (uint64, error) {
	const op = "MatmulWorkspace"
	if err := h.ok(op); err != nil {
		return 0, err
	}
	if md == nil || sel == nil {
		return 0, errf(op, StatusInvalidValue, errors.New("nil matmul descriptor or algorithm selection"))
	}
	return 0, nil
}

// PlanInit compiles a plan from a matmul descriptor, an algorithm
// selection and a workspace size.
func (h *Handle) PlanInit(md *MatmulDesc, sel *AlgSelection, workspaceSize uint64) (*Plan, error) {
	const op = "PlanInit"
	if err := h.ok(op); err != nil {
		return nil, err
	}
	if md == nil || sel == nil {
		return nil, errf(op, StatusInvalidValue, errors.New("nil matmul descriptor or algorithm selection"))
	}
	for _, d := range []*MatDesc{md.w, md.a, md.d} {
		if err := d.ok(op); err != nil {
			return nil, err
		}
	}
	h.live++
	return &Plan{handle: h, md: md, sel: sel, workspaceSize: workspaceSize}, nil
}

// WorkspaceSize returns the scratch size the plan was compiled with.
func (p *Plan) WorkspaceSize() uint64 {
	return p.workspaceSize
}

// Destroy releases the plan.
func (p *Plan) Destroy() error {
	if p.destroyed {
		return errf("Plan.Destroy", StatusInvalidValue, errors.New("plan already destroyed"))
	}
	p.destroyed = true
	p.handle.live--
	return nil
}

// Matmul enqueues D = alpha*(W_compressed × A) + beta*C + bias on the
// device stream. cBuf and dBuf must be the same buffer in this design;
// the accumulate source is only read when beta is nonzero. workspace may
// be nil when the plan reports no scratch requirement; extraStreams
// requests fan-out across additional streams and is accepted for API
// compatibility (the bound devices serialize on one stream).
func (p *Plan) Matmul(alpha float32, compressed, aBuf device.Buffer, beta float32, cBuf, dBuf, workspace device.Buffer, extraStreams int) error {
	const op = "Matmul"
	if err := p.handle.ok(op); err != nil {
		return err
	}
	if p.destroyed {
		return errf(op, StatusInvalidValue, errors.New("plan destroyed"))
	}
	for _, d := range []*MatDesc{p.md.w, p.md.a, p.md.d} {
		if err := d.ok(op); err != nil {
			return err
		}
	}
	if compressed == nil || aBuf == nil || dBuf == nil {
		return errf(op, StatusInvalidValue, errors.New("nil operand buffer"))
	}
	if cBuf != dBuf {
		return errf(op, StatusNotSupported, errors.New("separate accumulate and destination buffers are not supported"))
	}
	if extraStreams < 0 {
		return errf(op, StatusInvalidValue, fmt.Errorf("negative stream count %d", extraStreams))
	}
	if workspace == nil && p.workspaceSize > 0 {
		return errf(op, StatusInvalidValue, fmt.Errorf("plan requires %d bytes of workspace", p.workspaceSize))
	}

	w, a, out := p.md.w, p.md.a, p.md.d
	args := device.MatmulArgs{
		M:         w.rows,
		N:         a.cols,
		K:         w.cols,
		Batches:   out.batches,
		StrideW:   w.batchStride,
		StrideA:   a.batchStride,
		StrideOut: out.batchStride,
		Alpha:     alpha,
		Beta:      beta,
	}
	if err := p.handle.dev.MatmulCompressed(args, compressed, compressedLayout(w), aBuf, dBuf, p.md.bias, workspace); err != nil {
		return errf(op, StatusInternalError, err)
	}
	return nil
}
