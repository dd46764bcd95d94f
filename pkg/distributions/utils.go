package distributions

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
)

// Subset produces a new distribution of the identical family whose every
// constructor-recognized parameter is index-selected along the given axis.
func Subset(d Parametric, axis int, indices []int) (Parametric, error) {
	if d == nil {
		return nil, fmt.Errorf("distribution cannot be nil")
	}
	params := make(map[string]*autodiff.Tensor, len(d.ParamNames()))
	for _, name := range d.ParamNames() {
		p := d.Param(name)
		if p == nil {
			return nil, fmt.Errorf("distribution is missing parameter %q", name)
		}
		sub, err := autodiff.IndexSelect(p, axis, indices)
		if err != nil {
			return nil, fmt.Errorf("subsetting parameter %q: %w", name, err)
		}
		params[name] = sub
	}
	return d.FromParams(params)
}

// Move transfers every constructor-recognized parameter onto the target
// device and rebuilds the distribution.
func Move(d Parametric, device autodiff.Device) (Parametric, error) {
	if d == nil {
		return nil, fmt.Errorf("distribution cannot be nil")
	}
	params := make(map[string]*autodiff.Tensor, len(d.ParamNames()))
	for _, name := range d.ParamNames() {
		p := d.Param(name)
		if p == nil {
			return nil, fmt.Errorf("distribution is missing parameter %q", name)
		}
		params[name] = p.Clone().MoveTo(device)
	}
	return d.FromParams(params)
}

// Concatenator accumulates per-batch dictionaries of named distributions
// on the host and merges each parameter across batches when finalized.
// 2-D parameters concatenate along axis 0; 3-D parameters along axis 1
// (particle-major layout). Any other rank is unsupported.
type Concatenator struct {
	order   []string
	protos  map[string]Parametric
	storage map[string]map[string][]*autodiff.Tensor
}

// NewConcatenator creates an empty concatenator
func NewConcatenator() *Concatenator {
	return &Concatenator{
		protos:  make(map[string]Parametric),
		storage: make(map[string]map[string][]*autodiff.Tensor),
	}
}

// Add appends one batch's named distributions to the host-side buffer.
// Parameters are detached and moved to the CPU.
func (c *Concatenator) Add(dists map[string]Parametric) {
	for name, d := range dists {
		if d == nil {
			continue
		}
		if _, ok := c.storage[name]; !ok {
			c.order = append(c.order, name)
			c.protos[name] = d
			c.storage[name] = make(map[string][]*autodiff.Tensor)
		}
		for _, paramName := range d.ParamNames() {
			p := d.Param(paramName).Detach().MoveTo(autodiff.DeviceCPU)
			c.storage[name][paramName] = append(c.storage[name][paramName], p)
		}
	}
}

// Concatenated finalizes the buffer into one merged distribution per name.
func (c *Concatenator) Concatenated() (map[string]Parametric, error) {
	out := make(map[string]Parametric, len(c.order))
	for _, name := range c.order {
		params := make(map[string]*autodiff.Tensor)
		for paramName, parts := range c.storage[name] {
			axis, err := concatDim(parts)
			if err != nil {
				return nil, fmt.Errorf("distribution %q parameter %q: %w", name, paramName, err)
			}
			merged, err := concatAlong(parts, axis)
			if err != nil {
				return nil, fmt.Errorf("distribution %q parameter %q: %w", name, paramName, err)
			}
			params[paramName] = merged
		}
		d, err := c.protos[name].FromParams(params)
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

func concatDim(parts []*autodiff.Tensor) (int, error) {
	if len(parts) == 0 {
		return 0, fmt.Errorf("no batches were added")
	}
	switch parts[0].Rank() {
	case 2:
		return 0, nil
	case 3:
		return 1, nil
	default:
		return 0, fmt.Errorf("only 2D and 3D tensors are supported, got rank %d", parts[0].Rank())
	}
}

// concatAlong joins tensors along an axis. All shapes must agree on every
// other axis. Data-level only; the merged tensor carries no graph history.
func concatAlong(parts []*autodiff.Tensor, axis int) (*autodiff.Tensor, error) {
	first := parts[0]
	rank := first.Rank()
	axisTotal := 0
	for _, p := range parts {
		if p.Rank() != rank {
			return nil, fmt.Errorf("rank mismatch: %v vs %v", first.Shape, p.Shape)
		}
		for d := 0; d < rank; d++ {
			if d != axis && p.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("shape mismatch on axis %d: %v vs %v", d, first.Shape, p.Shape)
			}
		}
		axisTotal += p.Shape[axis]
	}

	outShape := make([]int, rank)
	copy(outShape, first.Shape)
	outShape[axis] = axisTotal
	out, err := autodiff.NewTensor(outShape, nil)
	if err != nil {
		return nil, err
	}
	out.Device = first.Device

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= outShape[d]
	}
	inner := 1
	for d := axis + 1; d < rank; d++ {
		inner *= outShape[d]
	}

	outBlock := axisTotal * inner
	for o := 0; o < outer; o++ {
		col := 0
		for _, p := range parts {
			block := p.Shape[axis] * inner
			copy(out.Data[o*outBlock+col:o*outBlock+col+block], p.Data[o*block:(o+1)*block])
			col += block
		}
	}
	return out, nil
}
