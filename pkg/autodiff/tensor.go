package autodiff

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Device identifies where a tensor lives. The pure-Go backend has a single
// memory space, so moves are metadata-level; the tag is still tracked so
// that placement decisions made by the training orchestrator survive
// subsetting and concatenation.
type Device string

const (
	DeviceCPU   Device = "cpu"
	DeviceMetal Device = "metal"
	DeviceCUDA  Device = "cuda"
)

// Tensor represents an N-dimensional float64 tensor with gradient tracking
// capabilities. Data is stored flat in row-major order.
type Tensor struct {
	Shape      []int
	Data       []float64
	Grad       []float64
	Requires   bool
	BackwardFn func()
	Children   []*Tensor
	Name       string // Optional name for debugging
	Device     Device
}

// TensorConfig holds configuration options for creating a tensor
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// DefaultTensorConfig returns the default configuration for tensors
func DefaultTensorConfig() *TensorConfig {
	return &TensorConfig{
		RequiresGrad: false,
		Name:         "",
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// strides returns the row-major strides for a shape.
func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// NewTensor creates a new zero-filled tensor with the specified shape
func NewTensor(shape []int, config *TensorConfig) (*Tensor, error) {
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid tensor shape %v: dimensions must be positive", shape)
		}
	}
	if config == nil {
		config = DefaultTensorConfig()
	}

	n := numel(shape)
	t := &Tensor{
		Shape:    copyShape(shape),
		Data:     make([]float64, n),
		Requires: config.RequiresGrad,
		Name:     config.Name,
		Device:   DeviceCPU,
	}
	if config.RequiresGrad {
		t.Grad = make([]float64, n)
	}
	return t, nil
}

// NewTensorFrom creates a tensor wrapping the given flat data
func NewTensorFrom(data []float64, shape []int, config *TensorConfig) (*Tensor, error) {
	t, err := NewTensor(shape, config)
	if err != nil {
		return nil, err
	}
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, len(t.Data))
	}
	copy(t.Data, data)
	return t, nil
}

// NewScalar creates a rank-1, single-element tensor holding one value
func NewScalar(v float64, config *TensorConfig) *Tensor {
	t, _ := NewTensor([]int{1}, config)
	t.Data[0] = v
	return t
}

// NewRandomTensor creates a new tensor with small uniform random values,
// suitable for weight initialization.
func NewRandomTensor(shape []int, config *TensorConfig) (*Tensor, error) {
	t, err := NewTensor(shape, config)
	if err != nil {
		return nil, err
	}
	// Small random values for better training stability
	for i := range t.Data {
		t.Data[i] = rand.Float64()*0.2 - 0.1
	}
	return t, nil
}

// NewNormalTensor creates a tensor of standard Gaussian draws without
// gradient tracking. Used for reparameterized sampling noise.
func NewNormalTensor(shape []int, src rand.Source) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	dist := distuv.Normal{Mu: 0, Sigma: 1}
	if src != nil {
		dist.Src = src
	}
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
	return t, nil
}

// MustNewTensor creates a tensor and panics on invalid shape
// (use in non-production code only)
func MustNewTensor(shape []int, config *TensorConfig) *Tensor {
	t, err := NewTensor(shape, config)
	if err != nil {
		panic(err)
	}
	return t
}

// MustNewTensorFrom creates a tensor from flat data and panics on mismatch
// (use in non-production code only)
func MustNewTensorFrom(data []float64, shape []int, config *TensorConfig) *Tensor {
	t, err := NewTensorFrom(data, shape, config)
	if err != nil {
		panic(err)
	}
	return t
}

// Rank returns the number of tensor dimensions
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// NumEl returns the total number of elements
func (t *Tensor) NumEl() int {
	return len(t.Data)
}

// At returns the element at the given multi-index
func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.offset(idx)]
}

// Set assigns the element at the given multi-index
func (t *Tensor) Set(v float64, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("index %v does not match tensor rank %d", idx, len(t.Shape)))
	}
	st := strides(t.Shape)
	off := 0
	for i, v := range idx {
		off += v * st[i]
	}
	return off
}

// Value returns the single element of a one-element tensor
func (t *Tensor) Value() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("Value called on tensor with %d elements", len(t.Data)))
	}
	return t.Data[0]
}

// Clone creates a deep copy of the tensor without graph history
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape:    copyShape(t.Shape),
		Data:     make([]float64, len(t.Data)),
		Requires: t.Requires,
		Name:     t.Name,
		Device:   t.Device,
	}
	copy(c.Data, t.Data)
	if t.Grad != nil {
		c.Grad = make([]float64, len(t.Grad))
		copy(c.Grad, t.Grad)
	}
	return c
}

// Detach returns a tensor sharing this tensor's data but severed from the
// gradient graph. No gradient flows through the detached value.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:  copyShape(t.Shape),
		Data:   t.Data,
		Name:   t.Name,
		Device: t.Device,
	}
}

// MoveTo retags the tensor onto a device. The pure-Go backend shares one
// memory space across devices, so no copy happens.
func (t *Tensor) MoveTo(device Device) *Tensor {
	t.Device = device
	return t
}

// ZeroGrad resets the gradient buffer to zero
func (t *Tensor) ZeroGrad() error {
	if !t.Requires {
		return fmt.Errorf("cannot zero gradient for tensor that doesn't require gradients")
	}
	if t.Grad == nil {
		return fmt.Errorf("gradient buffer is nil")
	}
	for i := range t.Grad {
		t.Grad[i] = 0.0
	}
	return nil
}

// Backward computes gradients through the recorded graph. The gradient of
// the output is seeded with 1.0 when the output is a single element.
func (t *Tensor) Backward() error {
	if len(t.Data) == 1 {
		if t.Grad == nil {
			return fmt.Errorf("gradient buffer is nil")
		}
		t.Grad[0] = 1.0
	}

	// Topological sort for backward pass
	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor) error
	buildTopo = func(node *Tensor) error {
		if node == nil {
			return fmt.Errorf("cannot build topology for nil tensor")
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		for _, child := range node.Children {
			if child == nil {
				return fmt.Errorf("nil child in tensor %s", node.Name)
			}
			if err := buildTopo(child); err != nil {
				return err
			}
		}
		topo = append(topo, node)
		return nil
	}

	if err := buildTopo(t); err != nil {
		return fmt.Errorf("failed to build topology: %v", err)
	}

	// Backward pass: each BackwardFn accumulates into its children's Grad
	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		if node.BackwardFn != nil {
			node.BackwardFn()
		}
	}
	return nil
}

// Reshape returns a tensor viewing the same elements under a new shape.
// Gradients pass through unchanged.
func Reshape(t *Tensor, shape []int) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of shape %v into %v", t.Shape, shape)
	}
	result, err := NewTensor(shape, &TensorConfig{RequiresGrad: t.Requires, Name: "reshape_result"})
	if err != nil {
		return nil, err
	}
	result.Device = t.Device
	copy(result.Data, t.Data)

	if t.Requires {
		result.Children = append(result.Children, t)
		result.BackwardFn = func() {
			for i := range t.Grad {
				t.Grad[i] += result.Grad[i]
			}
		}
	}
	return result, nil
}

// Squeeze removes a size-1 axis
func Squeeze(t *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("squeeze axis %d out of range for shape %v", axis, t.Shape)
	}
	if t.Shape[axis] != 1 {
		return nil, fmt.Errorf("cannot squeeze axis %d of size %d", axis, t.Shape[axis])
	}
	shape := make([]int, 0, len(t.Shape)-1)
	for i, d := range t.Shape {
		if i != axis {
			shape = append(shape, d)
		}
	}
	return Reshape(t, shape)
}

// Unsqueeze inserts a size-1 axis at the given position
func Unsqueeze(t *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis > len(t.Shape) {
		return nil, fmt.Errorf("unsqueeze axis %d out of range for shape %v", axis, t.Shape)
	}
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, t.Shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.Shape[axis:]...)
	return Reshape(t, shape)
}
