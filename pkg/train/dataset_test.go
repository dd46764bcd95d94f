package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/autodiff"
)

func sampleDataset(t *testing.T) *Dataset {
	t.Helper()
	x := autodiff.MustNewTensorFrom(
		[]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		[]int{4, 3}, nil)
	covs := autodiff.MustNewTensorFrom([]float64{0.1, 0.2, 0.3, 0.4}, []int{4, 1}, nil)
	return &Dataset{
		X:          x,
		BatchIndex: []int{0, 0, 1, 1},
		Labels:     []int{2, 3, 4, 5},
		ContCovs:   covs,
		CatCovs:    [][]int{{7, 8, 9, 10}},
	}
}

func TestDatasetDims(t *testing.T) {
	ds := sampleDataset(t)
	assert.Equal(t, 4, ds.NCells())
	assert.Equal(t, 3, ds.NGenes())

	empty := &Dataset{}
	assert.Equal(t, 0, empty.NCells())
	assert.Equal(t, 0, empty.NGenes())
}

func TestDatasetSubset(t *testing.T) {
	ds := sampleDataset(t)
	batch, err := ds.Subset([]int{2, 0})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3}, batch.X.Shape)
	assert.Equal(t, []float64{6, 7, 8, 0, 1, 2}, batch.X.Data)
	assert.Equal(t, []int{1, 0}, batch.BatchIndex)
	assert.Equal(t, []int{4, 2}, batch.Labels)
	assert.Equal(t, []float64{0.3, 0.1}, batch.ContCovs.Data)
	require.Len(t, batch.CatCovs, 1)
	assert.Equal(t, []int{9, 7}, batch.CatCovs[0])

	// The minibatch is a copy of the raw data.
	batch.X.Data[0] = -1
	assert.Equal(t, 6.0, ds.X.Data[6])
}

func TestLibraryLogStats(t *testing.T) {
	ds := &Dataset{
		X: autodiff.MustNewTensorFrom([]float64{
			1, 1, // batch 0, log(2)
			3, 5, // batch 0, log(8)
			2, 2, // batch 1, log(4)
		}, []int{3, 2}, nil),
		BatchIndex: []int{0, 0, 1},
	}

	means, variances, err := ds.LibraryLogStats(2)
	require.NoError(t, err)

	l2, l8 := math.Log(2), math.Log(8)
	assert.InDelta(t, (l2+l8)/2, means[0], 1e-12)
	want := (l2-means[0])*(l2-means[0]) + (l8-means[0])*(l8-means[0])
	assert.InDelta(t, want, variances[0], 1e-12)

	assert.InDelta(t, math.Log(4), means[1], 1e-12)
	// Single-cell batches fall back to unit variance.
	assert.Equal(t, 1.0, variances[1])
}

func TestLibraryLogStatsErrors(t *testing.T) {
	ds := sampleDataset(t)
	_, _, err := ds.LibraryLogStats(0)
	assert.Error(t, err)

	// Batch 2 never appears in the data.
	_, _, err = ds.LibraryLogStats(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cells")

	zero := &Dataset{
		X:          autodiff.MustNewTensorFrom([]float64{0, 0}, []int{1, 2}, nil),
		BatchIndex: []int{0},
	}
	_, _, err = zero.LibraryLogStats(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero total count")
}

func TestDatasetSubsetOutOfRange(t *testing.T) {
	ds := sampleDataset(t)
	_, err := ds.Subset([]int{0, 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
