package autodiff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadraticStep runs one forward/backward of loss = mean((x - target)^2).
func quadraticStep(t *testing.T, x *Tensor, target float64) float64 {
	t.Helper()
	shifted, err := AddScalar(x, -target)
	require.NoError(t, err)
	sq, err := Multiply(shifted, shifted)
	require.NoError(t, err)
	loss, err := Mean(sq)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	return loss.Value()
}

func TestAdamReducesQuadraticLoss(t *testing.T) {
	x := gradTensor(t, []float64{5, -3, 8}, []int{3})
	params := map[string]*Tensor{"x": x}
	opt := NewAdamOptimizer(0.1, 0)

	first := quadraticStep(t, x, 1.0)
	opt.Step(params)
	var last float64
	for i := 0; i < 200; i++ {
		ZeroGrads(params)
		last = quadraticStep(t, x, 1.0)
		opt.Step(params)
	}
	assert.Less(t, last, first)
	for _, v := range x.Data {
		assert.InDelta(t, 1.0, v, 0.2)
	}
}

func TestSGDStep(t *testing.T) {
	x := gradTensor(t, []float64{2}, []int{1})
	x.Grad[0] = 1.0
	opt := NewSGDOptimizer(0.5, 0)
	opt.Step(map[string]*Tensor{"x": x})
	assert.InDelta(t, 1.5, x.Data[0], 1e-12)
}

func TestClipGradNorm(t *testing.T) {
	x := gradTensor(t, []float64{0, 0}, []int{2})
	x.Grad[0] = 3.0
	x.Grad[1] = 4.0
	params := map[string]*Tensor{"x": x}

	norm := ClipGradNorm(params, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-9)

	clipped := math.Hypot(x.Grad[0], x.Grad[1])
	assert.InDelta(t, 1.0, clipped, 1e-9)

	// Already within bounds: untouched.
	before := x.Grad[0]
	ClipGradNorm(params, 10.0)
	assert.Equal(t, before, x.Grad[0])
}

func TestZeroGrads(t *testing.T) {
	x := gradTensor(t, []float64{1, 2}, []int{2})
	x.Grad[0] = 7
	ZeroGrads(map[string]*Tensor{"x": x})
	assert.Equal(t, []float64{0, 0}, x.Grad)
}
