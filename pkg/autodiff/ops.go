package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
)

// broadcastShapes computes the result shape of broadcasting a against b,
// aligning trailing dimensions. A dimension broadcasts when it is 1 or
// missing.
func broadcastShapes(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		case db == 1:
			out[n-i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns per-output-axis strides into src's data for
// iterating the broadcast shape out. Broadcast axes get stride 0.
func broadcastStrides(src, out []int) []int {
	st := strides(src)
	bst := make([]int, len(out))
	off := len(out) - len(src)
	for i := range out {
		if i < off {
			bst[i] = 0
			continue
		}
		if src[i-off] == 1 && out[i] != 1 {
			bst[i] = 0
		} else {
			bst[i] = st[i-off]
		}
	}
	return bst
}

// forEachBroadcast walks every position of the out shape, yielding offsets
// into each source tensor's flat data.
func forEachBroadcast(out []int, srcStrides [][]int, fn func(outOff int, srcOffs []int)) {
	n := numel(out)
	rank := len(out)
	coords := make([]int, rank)
	offs := make([]int, len(srcStrides))
	for i := 0; i < n; i++ {
		for s := range srcStrides {
			off := 0
			for d := 0; d < rank; d++ {
				off += coords[d] * srcStrides[s][d]
			}
			offs[s] = off
		}
		fn(i, offs)
		for d := rank - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < out[d] {
				break
			}
			coords[d] = 0
		}
	}
}

// binaryOp builds an elementwise broadcasting op with gradient tracking.
// dx and dy map (x, y, upstream gradient) to the local gradient
// contributions; broadcast axes accumulate, which is exactly the
// sum-reduction the chain rule requires.
func binaryOp(a, b *Tensor, name string,
	fwd func(x, y float64) float64,
	dx, dy func(x, y, g float64) float64) (*Tensor, error) {

	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	result, err := NewTensor(outShape, &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         name + "_result",
	})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	aStr := broadcastStrides(a.Shape, outShape)
	bStr := broadcastStrides(b.Shape, outShape)
	srcs := [][]int{aStr, bStr}

	forEachBroadcast(outShape, srcs, func(outOff int, offs []int) {
		result.Data[outOff] = fwd(a.Data[offs[0]], b.Data[offs[1]])
	})

	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() {
			forEachBroadcast(outShape, srcs, func(outOff int, offs []int) {
				g := result.Grad[outOff]
				if a.Requires {
					a.Grad[offs[0]] += dx(a.Data[offs[0]], b.Data[offs[1]], g)
				}
				if b.Requires {
					b.Grad[offs[1]] += dy(a.Data[offs[0]], b.Data[offs[1]], g)
				}
			})
		}
	}
	return result, nil
}

// Add performs element-wise addition with broadcasting
func Add(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, "add",
		func(x, y float64) float64 { return x + y },
		func(x, y, g float64) float64 { return g },
		func(x, y, g float64) float64 { return g })
}

// Subtract performs element-wise subtraction with broadcasting
func Subtract(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, "subtract",
		func(x, y float64) float64 { return x - y },
		func(x, y, g float64) float64 { return g },
		func(x, y, g float64) float64 { return -g })
}

// Multiply performs element-wise multiplication with broadcasting
func Multiply(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, "multiply",
		func(x, y float64) float64 { return x * y },
		func(x, y, g float64) float64 { return g * y },
		func(x, y, g float64) float64 { return g * x })
}

// Divide performs element-wise division with broadcasting
func Divide(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, "divide",
		func(x, y float64) float64 { return x / y },
		func(x, y, g float64) float64 { return g / y },
		func(x, y, g float64) float64 { return -g * x / (y * y) })
}

// unaryOp builds an elementwise op with gradient tracking
func unaryOp(a *Tensor, name string,
	fwd func(x float64) float64,
	dx func(x, y, g float64) float64) (*Tensor, error) {

	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := NewTensor(a.Shape, &TensorConfig{RequiresGrad: a.Requires, Name: name + "_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device
	for i, x := range a.Data {
		result.Data[i] = fwd(x)
	}
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			for i := range a.Grad {
				a.Grad[i] += dx(a.Data[i], result.Data[i], result.Grad[i])
			}
		}
	}
	return result, nil
}

// AddScalar adds a constant to every element
func AddScalar(a *Tensor, scalar float64) (*Tensor, error) {
	return unaryOp(a, "add_scalar",
		func(x float64) float64 { return x + scalar },
		func(x, y, g float64) float64 { return g })
}

// ScalarMultiply multiplies every element by a constant
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	return unaryOp(a, "scalar_multiply",
		func(x float64) float64 { return x * scalar },
		func(x, y, g float64) float64 { return g * scalar })
}

// Neg negates every element
func Neg(a *Tensor) (*Tensor, error) {
	return ScalarMultiply(a, -1.0)
}

// Exp applies the elementwise exponential
func Exp(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "exp",
		math.Exp,
		func(x, y, g float64) float64 { return g * y })
}

// Log applies the elementwise natural logarithm
func Log(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "log",
		math.Log,
		func(x, y, g float64) float64 { return g / x })
}

// Log1p applies log(1+x) elementwise
func Log1p(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "log1p",
		math.Log1p,
		func(x, y, g float64) float64 { return g / (1.0 + x) })
}

// Sqrt applies the elementwise square root
func Sqrt(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "sqrt",
		math.Sqrt,
		func(x, y, g float64) float64 { return g * 0.5 / y })
}

// Softplus applies log(1+exp(x)) elementwise, with the usual overflow guard
func Softplus(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "softplus",
		func(x float64) float64 {
			if x > 30 {
				return x
			}
			return math.Log1p(math.Exp(x))
		},
		func(x, y, g float64) float64 { return g / (1.0 + math.Exp(-x)) })
}

// ReLU applies the rectified linear unit elementwise
func ReLU(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "relu",
		func(x float64) float64 {
			if x > 0 {
				return x
			}
			return 0
		},
		func(x, y, g float64) float64 {
			if x > 0 {
				return g
			}
			return 0
		})
}

// Lgamma applies the elementwise log-gamma function. The backward pass
// uses the digamma function.
func Lgamma(a *Tensor) (*Tensor, error) {
	return unaryOp(a, "lgamma",
		func(x float64) float64 {
			v, _ := math.Lgamma(x)
			return v
		},
		func(x, y, g float64) float64 { return g * mathext.Digamma(x) })
}

// MatMul multiplies a batched left operand of shape (..., n, k) by a 2-D
// weight of shape (k, m), producing (..., n, m), with gradient tracking.
func MatMul(a, w *Tensor) (*Tensor, error) {
	if a == nil || w == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if len(a.Shape) < 2 || len(w.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires a batched left operand and a 2-D right operand, got %v x %v",
			a.Shape, w.Shape)
	}
	k := a.Shape[len(a.Shape)-1]
	n := a.Shape[len(a.Shape)-2]
	if k != w.Shape[0] {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a%v, w%v", a.Shape, w.Shape)
	}
	m := w.Shape[1]
	batch := numel(a.Shape) / (n * k)

	outShape := copyShape(a.Shape)
	outShape[len(outShape)-1] = m
	result, err := NewTensor(outShape, &TensorConfig{
		RequiresGrad: a.Requires || w.Requires,
		Name:         "matmul_result",
	})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	for p := 0; p < batch; p++ {
		aBase := p * n * k
		oBase := p * n * m
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				sum := 0.0
				for kk := 0; kk < k; kk++ {
					sum += a.Data[aBase+i*k+kk] * w.Data[kk*m+j]
				}
				result.Data[oBase+i*m+j] = sum
			}
		}
	}

	if a.Requires || w.Requires {
		result.Children = append(result.Children, a, w)
		result.BackwardFn = func() {
			for p := 0; p < batch; p++ {
				aBase := p * n * k
				oBase := p * n * m
				for i := 0; i < n; i++ {
					for j := 0; j < m; j++ {
						g := result.Grad[oBase+i*m+j]
						if g == 0 {
							continue
						}
						for kk := 0; kk < k; kk++ {
							if a.Requires {
								// dL/dA = dL/dC * W^T
								a.Grad[aBase+i*k+kk] += g * w.Data[kk*m+j]
							}
							if w.Requires {
								// dL/dW = A^T * dL/dC, summed over the batch
								w.Grad[kk*m+j] += g * a.Data[aBase+i*k+kk]
							}
						}
					}
				}
			}
		}
	}
	return result, nil
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// Softmax normalizes along the given axis with gradient tracking
func Softmax(a *Tensor, axis int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	ax, err := normalizeAxis(axis, len(a.Shape))
	if err != nil {
		return nil, err
	}
	result, err := NewTensor(a.Shape, &TensorConfig{RequiresGrad: a.Requires, Name: "softmax_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	st := strides(a.Shape)
	axSize := a.Shape[ax]
	axStride := st[ax]
	outer := numel(a.Shape) / axSize

	// base offsets of every 1-D slice along the softmax axis
	bases := make([]int, 0, outer)
	coords := make([]int, len(a.Shape))
	for i := 0; i < numel(a.Shape); i++ {
		if coords[ax] == 0 {
			off := 0
			for d := range coords {
				off += coords[d] * st[d]
			}
			bases = append(bases, off)
		}
		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < a.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}

	for _, base := range bases {
		// Numerical stability: subtract the slice max before exponentiating
		maxVal := math.Inf(-1)
		for i := 0; i < axSize; i++ {
			if v := a.Data[base+i*axStride]; v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for i := 0; i < axSize; i++ {
			e := math.Exp(a.Data[base+i*axStride] - maxVal)
			result.Data[base+i*axStride] = e
			sum += e
		}
		for i := 0; i < axSize; i++ {
			result.Data[base+i*axStride] /= sum
		}
	}

	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			for _, base := range bases {
				dot := 0.0
				for i := 0; i < axSize; i++ {
					idx := base + i*axStride
					dot += result.Grad[idx] * result.Data[idx]
				}
				for i := 0; i < axSize; i++ {
					idx := base + i*axStride
					a.Grad[idx] += result.Data[idx] * (result.Grad[idx] - dot)
				}
			}
		}
	}
	return result, nil
}

// Sum reduces along the given axis, removing it. Reducing the only axis
// yields a single-element tensor.
func Sum(a *Tensor, axis int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	ax, err := normalizeAxis(axis, len(a.Shape))
	if err != nil {
		return nil, err
	}
	outShape := make([]int, 0, len(a.Shape)-1)
	for i, d := range a.Shape {
		if i != ax {
			outShape = append(outShape, d)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	result, err := NewTensor(outShape, &TensorConfig{RequiresGrad: a.Requires, Name: "sum_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	st := strides(a.Shape)
	axSize := a.Shape[ax]
	axStride := st[ax]

	outIdx := 0
	coords := make([]int, len(a.Shape))
	total := numel(a.Shape)
	for i := 0; i < total; i++ {
		if coords[ax] == 0 {
			base := 0
			for d := range coords {
				base += coords[d] * st[d]
			}
			sum := 0.0
			for j := 0; j < axSize; j++ {
				sum += a.Data[base+j*axStride]
			}
			result.Data[outIdx] = sum
			outIdx++
		}
		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < a.Shape[d] {
				break
			}
			coords[d] = 0
		}
	}

	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			outIdx := 0
			coords := make([]int, len(a.Shape))
			for i := 0; i < total; i++ {
				if coords[ax] == 0 {
					base := 0
					for d := range coords {
						base += coords[d] * st[d]
					}
					g := result.Grad[outIdx]
					for j := 0; j < axSize; j++ {
						a.Grad[base+j*axStride] += g
					}
					outIdx++
				}
				for d := len(coords) - 1; d >= 0; d-- {
					coords[d]++
					if coords[d] < a.Shape[d] {
						break
					}
					coords[d] = 0
				}
			}
		}
	}
	return result, nil
}

// MeanAxis reduces along the given axis by averaging
func MeanAxis(a *Tensor, axis int) (*Tensor, error) {
	ax, err := normalizeAxis(axis, len(a.Shape))
	if err != nil {
		return nil, err
	}
	s, err := Sum(a, ax)
	if err != nil {
		return nil, err
	}
	return ScalarMultiply(s, 1.0/float64(a.Shape[ax]))
}

// Mean reduces the whole tensor to its single-element average
func Mean(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result, err := NewTensor([]int{1}, &TensorConfig{RequiresGrad: a.Requires, Name: "mean_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device
	sum := 0.0
	for _, v := range a.Data {
		sum += v
	}
	n := float64(len(a.Data))
	result.Data[0] = sum / n

	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			g := result.Grad[0] / n
			for i := range a.Grad {
				a.Grad[i] += g
			}
		}
	}
	return result, nil
}

// BroadcastTo expands a tensor to the given shape with gradient tracking;
// gradients sum-reduce over the expanded axes.
func BroadcastTo(a *Tensor, shape []int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	bs, err := broadcastShapes(a.Shape, shape)
	if err != nil || !shapeEqual(bs, shape) {
		return nil, fmt.Errorf("cannot broadcast shape %v to %v", a.Shape, shape)
	}
	result, err := NewTensor(shape, &TensorConfig{RequiresGrad: a.Requires, Name: "broadcast_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	aStr := broadcastStrides(a.Shape, shape)
	srcs := [][]int{aStr}
	forEachBroadcast(shape, srcs, func(outOff int, offs []int) {
		result.Data[outOff] = a.Data[offs[0]]
	})

	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			forEachBroadcast(shape, srcs, func(outOff int, offs []int) {
				a.Grad[offs[0]] += result.Grad[outOff]
			})
		}
	}
	return result, nil
}

// ConcatLast concatenates tensors along their final axis
func ConcatLast(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("need at least one tensor to concatenate")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}
	first := tensors[0]
	rank := len(first.Shape)
	lastTotal := 0
	requires := false
	for _, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("input tensors cannot be nil")
		}
		if len(t.Shape) != rank || !shapeEqual(t.Shape[:rank-1], first.Shape[:rank-1]) {
			return nil, fmt.Errorf("concat shapes must agree on all but the last axis: %v vs %v",
				first.Shape, t.Shape)
		}
		lastTotal += t.Shape[rank-1]
		requires = requires || t.Requires
	}

	outShape := copyShape(first.Shape)
	outShape[rank-1] = lastTotal
	result, err := NewTensor(outShape, &TensorConfig{RequiresGrad: requires, Name: "concat_result"})
	if err != nil {
		return nil, err
	}
	result.Device = first.Device

	rows := numel(outShape) / lastTotal
	for r := 0; r < rows; r++ {
		col := 0
		for _, t := range tensors {
			w := t.Shape[rank-1]
			copy(result.Data[r*lastTotal+col:r*lastTotal+col+w], t.Data[r*w:(r+1)*w])
			col += w
		}
	}

	if requires {
		for _, t := range tensors {
			result.Children = append(result.Children, t)
		}
		result.BackwardFn = func() {
			for r := 0; r < rows; r++ {
				col := 0
				for _, t := range tensors {
					w := t.Shape[rank-1]
					if t.Requires {
						for j := 0; j < w; j++ {
							t.Grad[r*w+j] += result.Grad[r*lastTotal+col+j]
						}
					}
					col += w
				}
			}
		}
	}
	return result, nil
}

// IndexSelect gathers slices along an axis by index, with gradient
// scatter-add on the backward pass.
func IndexSelect(a *Tensor, axis int, indices []int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	ax, err := normalizeAxis(axis, len(a.Shape))
	if err != nil {
		return nil, err
	}
	for _, idx := range indices {
		if idx < 0 || idx >= a.Shape[ax] {
			return nil, fmt.Errorf("index %d out of range for axis %d of shape %v", idx, ax, a.Shape)
		}
	}

	outShape := copyShape(a.Shape)
	outShape[ax] = len(indices)
	result, err := NewTensor(outShape, &TensorConfig{RequiresGrad: a.Requires, Name: "index_select_result"})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	st := strides(a.Shape)
	ost := strides(outShape)
	// outer iterates axes before ax, inner the flattened axes after it
	outer := 1
	for i := 0; i < ax; i++ {
		outer *= a.Shape[i]
	}
	inner := st[ax]

	for o := 0; o < outer; o++ {
		for k, idx := range indices {
			srcBase := o*st[ax]*a.Shape[ax] + idx*inner
			dstBase := o*ost[ax]*len(indices) + k*inner
			copy(result.Data[dstBase:dstBase+inner], a.Data[srcBase:srcBase+inner])
		}
	}

	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() {
			for o := 0; o < outer; o++ {
				for k, idx := range indices {
					srcBase := o*st[ax]*a.Shape[ax] + idx*inner
					dstBase := o*ost[ax]*len(indices) + k*inner
					for j := 0; j < inner; j++ {
						a.Grad[srcBase+j] += result.Grad[dstBase+j]
					}
				}
			}
		}
	}
	return result, nil
}

// OneHot encodes integer indices as a (len(indices), depth) tensor
func OneHot(indices []int, depth int) (*Tensor, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("one-hot depth must be positive, got %d", depth)
	}
	t, err := NewTensor([]int{len(indices), depth}, nil)
	if err != nil {
		return nil, err
	}
	for i, idx := range indices {
		if idx < 0 || idx >= depth {
			return nil, fmt.Errorf("one-hot index %d out of range [0, %d)", idx, depth)
		}
		t.Data[i*depth+idx] = 1.0
	}
	return t, nil
}

// LessScalar returns a constant 0/1 mask marking elements strictly below
// the threshold. The mask never carries gradients.
func LessScalar(a *Tensor, threshold float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	t, err := NewTensor(a.Shape, nil)
	if err != nil {
		return nil, err
	}
	t.Device = a.Device
	for i, v := range a.Data {
		if v < threshold {
			t.Data[i] = 1.0
		}
	}
	return t, nil
}

// Where selects elementwise from a (where cond is nonzero) or b, with
// broadcasting across all three operands. Gradients route to whichever
// branch was selected.
func Where(cond, a, b *Tensor) (*Tensor, error) {
	if cond == nil || a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	s1, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	outShape, err := broadcastShapes(cond.Shape, s1)
	if err != nil {
		return nil, err
	}
	result, err := NewTensor(outShape, &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "where_result",
	})
	if err != nil {
		return nil, err
	}
	result.Device = a.Device

	srcs := [][]int{
		broadcastStrides(cond.Shape, outShape),
		broadcastStrides(a.Shape, outShape),
		broadcastStrides(b.Shape, outShape),
	}
	forEachBroadcast(outShape, srcs, func(outOff int, offs []int) {
		if cond.Data[offs[0]] != 0 {
			result.Data[outOff] = a.Data[offs[1]]
		} else {
			result.Data[outOff] = b.Data[offs[2]]
		}
	})

	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() {
			forEachBroadcast(outShape, srcs, func(outOff int, offs []int) {
				g := result.Grad[outOff]
				if cond.Data[offs[0]] != 0 {
					if a.Requires {
						a.Grad[offs[1]] += g
					}
				} else if b.Requires {
					b.Grad[offs[2]] += g
				}
			})
		}
	}
	return result, nil
}
