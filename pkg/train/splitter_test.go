package train

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitDefaultNinetyTen(t *testing.T) {
	ds := NewDataSplitter(1)
	split, err := ds.Split(100)
	require.NoError(t, err)

	assert.Equal(t, 90, split.NTrain())
	assert.Equal(t, 10, split.NVal())
	assert.Empty(t, split.TestIdx)

	// Every cell appears exactly once across the partitions.
	all := append(append([]int{}, split.TrainIdx...), split.ValIdx...)
	all = append(all, split.TestIdx...)
	sort.Ints(all)
	for i, v := range all {
		assert.Equal(t, i, v)
	}
}

func TestSplitRoundsTrainUp(t *testing.T) {
	ds := NewDataSplitter(0)
	split, err := ds.Split(10)
	require.NoError(t, err)
	// ceil(0.9 * 10) = 9
	assert.Equal(t, 9, split.NTrain())
	assert.Equal(t, 1, split.NVal())
}

func TestSplitExplicitValidationLeavesTest(t *testing.T) {
	ds := &DataSplitter{TrainSize: 0.5, ValidationSize: 0.25, Shuffle: false}
	split, err := ds.Split(8)
	require.NoError(t, err)
	assert.Equal(t, 4, split.NTrain())
	assert.Equal(t, 2, split.NVal())
	assert.Len(t, split.TestIdx, 2)

	// Without shuffling the partition is contiguous.
	assert.Equal(t, []int{0, 1, 2, 3}, split.TrainIdx)
	assert.Equal(t, []int{4, 5}, split.ValIdx)
}

func TestSplitSeedIsDeterministic(t *testing.T) {
	a, err := NewDataSplitter(7).Split(50)
	require.NoError(t, err)
	b, err := NewDataSplitter(7).Split(50)
	require.NoError(t, err)
	assert.Equal(t, a.TrainIdx, b.TrainIdx)

	c, err := NewDataSplitter(8).Split(50)
	require.NoError(t, err)
	assert.NotEqual(t, a.TrainIdx, c.TrainIdx)
}

func TestSplitRejectsBadSizes(t *testing.T) {
	_, err := NewDataSplitter(0).Split(0)
	assert.Error(t, err)

	ds := &DataSplitter{TrainSize: 1.5}
	_, err = ds.Split(10)
	assert.Error(t, err)

	ds = &DataSplitter{TrainSize: 0.9, ValidationSize: 0.5}
	_, err = ds.Split(10)
	assert.Error(t, err)
}
