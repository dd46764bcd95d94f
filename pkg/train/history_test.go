package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryMergeContinuesIndices(t *testing.T) {
	h := History{
		"elbo_train": {Index: []int{0, 1}, Values: []float64{10, 9}},
	}
	h.Merge(History{
		"elbo_train": {Index: []int{0, 1}, Values: []float64{8, 7}},
	})

	series := h["elbo_train"]
	// A second fit extends the epoch axis rather than restarting it.
	assert.Equal(t, []int{0, 1, 2, 3}, series.Index)
	assert.Equal(t, []float64{10, 9, 8, 7}, series.Values)
}

func TestHistoryMergeAddsNewMetrics(t *testing.T) {
	h := make(History)
	incoming := History{
		"elbo_validation": {Index: []int{0}, Values: []float64{5}},
	}
	h.Merge(incoming)

	assert.Equal(t, []float64{5}, h["elbo_validation"].Values)

	// Merge copies; mutating the source must not leak through.
	incoming["elbo_validation"].Values[0] = 99
	assert.Equal(t, []float64{5}, h["elbo_validation"].Values)
}

func TestHistoryClone(t *testing.T) {
	h := History{
		"elbo_train": {Index: []int{0}, Values: []float64{3}},
	}
	clone := h.Clone()
	clone["elbo_train"].Values[0] = -1
	assert.Equal(t, 3.0, h["elbo_train"].Values[0])
}
