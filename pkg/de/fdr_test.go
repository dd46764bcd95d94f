package de

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/autodiff"
)

func TestFDRDEPrediction(t *testing.T) {
	// Sorted descending: [0.9 0.8 0.7 0.1 0.05]; cumulative expected FDR
	// [0.1 0.15 0.2 0.375 0.49]. At a 0.2 target the first three pass.
	probas := autodiff.MustNewTensorFrom([]float64{0.7, 0.05, 0.9, 0.1, 0.8}, []int{5}, nil)

	flags, err := FDRDEPrediction(probas, 0.2)
	require.NoError(t, err)
	// Flags stay in the input's original order.
	assert.Equal(t, []bool{true, false, true, false, true}, flags)
}

func TestFDRDEPredictionTightTarget(t *testing.T) {
	probas := autodiff.MustNewTensorFrom([]float64{0.9, 0.8, 0.7, 0.1, 0.05}, []int{5}, nil)
	flags, err := FDRDEPrediction(probas, 0.1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, false, false}, flags)
}

func TestFDRDEPredictionAllPass(t *testing.T) {
	probas := autodiff.MustNewTensorFrom([]float64{0.99, 0.98, 0.97}, []int{3}, nil)
	flags, err := FDRDEPrediction(probas, 0.05)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true}, flags)
}

func TestFDRDEPredictionRejectsMatrices(t *testing.T) {
	probas := autodiff.MustNewTensor([]int{2, 3}, nil)
	_, err := FDRDEPrediction(probas, 0.05)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1-dimensional")

	_, err = FDRDEPrediction(nil, 0.05)
	assert.Error(t, err)
}
