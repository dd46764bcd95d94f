package distributions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/autodiff"
)

func normal2D(t *testing.T, rows, cols int, base float64) *Normal {
	t.Helper()
	loc := autodiff.MustNewTensor([]int{rows, cols}, nil)
	scale := autodiff.MustNewTensor([]int{rows, cols}, nil)
	for i := range loc.Data {
		loc.Data[i] = base + float64(i)
		scale.Data[i] = 1.0 + float64(i)*0.1
	}
	dist, err := NewNormal(loc, scale)
	require.NoError(t, err)
	return dist
}

func TestSubsetSelectsMatchingParameters(t *testing.T) {
	dist := normal2D(t, 4, 2, 0)

	sub, err := Subset(dist, 0, []int{3, 1})
	require.NoError(t, err)

	subNormal, ok := sub.(*Normal)
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, subNormal.Loc.Shape)
	// Row 3 of the original leads, row 1 follows.
	assert.Equal(t, dist.Loc.At(3, 0), subNormal.Loc.At(0, 0))
	assert.Equal(t, dist.Loc.At(1, 1), subNormal.Loc.At(1, 1))
	assert.Equal(t, dist.Scale.At(3, 1), subNormal.Scale.At(0, 1))
}

func TestSubsetInvalidIndex(t *testing.T) {
	dist := normal2D(t, 2, 2, 0)
	_, err := Subset(dist, 0, []int{5})
	assert.Error(t, err)
}

func TestMoveRetagsEveryParameter(t *testing.T) {
	dist := normal2D(t, 2, 2, 0)

	moved, err := Move(dist, autodiff.DeviceMetal)
	require.NoError(t, err)

	movedNormal := moved.(*Normal)
	assert.Equal(t, autodiff.DeviceMetal, movedNormal.Loc.Device)
	assert.Equal(t, autodiff.DeviceMetal, movedNormal.Scale.Device)
	// The original stays where it was.
	assert.Equal(t, autodiff.DeviceCPU, dist.Loc.Device)
	// Values carry over.
	assert.Equal(t, dist.Loc.Data, movedNormal.Loc.Data)
}

func TestConcatenatorMergesBatchAxis(t *testing.T) {
	c := NewConcatenator()
	c.Add(map[string]Parametric{"qz": normal2D(t, 2, 3, 0)})
	c.Add(map[string]Parametric{"qz": normal2D(t, 3, 3, 100)})

	merged, err := c.Concatenated()
	require.NoError(t, err)

	qz := merged["qz"].(*Normal)
	assert.Equal(t, []int{5, 3}, qz.Loc.Shape)
	assert.Equal(t, 0.0, qz.Loc.At(0, 0))
	assert.Equal(t, 100.0, qz.Loc.At(2, 0))
}

func TestConcatenatorParticleMajorMergesCellAxis(t *testing.T) {
	make3D := func(cells int, base float64) *Normal {
		loc := autodiff.MustNewTensor([]int{2, cells, 3}, nil)
		scale := autodiff.MustNewTensor([]int{2, cells, 3}, nil)
		for i := range loc.Data {
			loc.Data[i] = base + float64(i)
			scale.Data[i] = 1.0
		}
		dist, err := NewNormal(loc, scale)
		require.NoError(t, err)
		return dist
	}

	c := NewConcatenator()
	c.Add(map[string]Parametric{"qz": make3D(2, 0)})
	c.Add(map[string]Parametric{"qz": make3D(1, 500)})

	merged, err := c.Concatenated()
	require.NoError(t, err)

	qz := merged["qz"].(*Normal)
	// 3-D tensors join along the cell axis, keeping particles leading.
	assert.Equal(t, []int{2, 3, 3}, qz.Loc.Shape)
	assert.Equal(t, 0.0, qz.Loc.At(0, 0, 0))
	assert.Equal(t, 500.0, qz.Loc.At(0, 2, 0))
	assert.Equal(t, 503.0, qz.Loc.At(1, 2, 0))
}

func TestConcatenatorRejectsOtherRanks(t *testing.T) {
	loc := autodiff.MustNewTensor([]int{2}, nil)
	scale := autodiff.MustNewTensor([]int{2}, nil)
	for i := range scale.Data {
		scale.Data[i] = 1
	}
	dist, err := NewNormal(loc, scale)
	require.NoError(t, err)

	c := NewConcatenator()
	c.Add(map[string]Parametric{"ql": dist})
	_, err = c.Concatenated()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only 2D and 3D tensors are supported")
}

func TestConcatenatorDetachesInputs(t *testing.T) {
	loc := autodiff.MustNewTensorFrom([]float64{1, 2, 3, 4}, []int{2, 2},
		&autodiff.TensorConfig{RequiresGrad: true})
	scale := autodiff.MustNewTensorFrom([]float64{1, 1, 1, 1}, []int{2, 2}, nil)
	dist, err := NewNormal(loc, scale)
	require.NoError(t, err)

	c := NewConcatenator()
	c.Add(map[string]Parametric{"qz": dist})
	merged, err := c.Concatenated()
	require.NoError(t, err)

	qz := merged["qz"].(*Normal)
	assert.False(t, qz.Loc.Requires)
	assert.Nil(t, qz.Loc.BackwardFn)
}
