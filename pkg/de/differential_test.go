package de

import (
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// twoGeneSampler returns deterministic scales for two populations split
// at a cell-index cutoff. Gene 0 is higher in the first population
// (moderate effect), gene 1 higher in the second (strong effect).
func twoGeneSampler(cutoff int) ScaleSampler {
	return func(cellIndices []int, transformBatch *int, nSamples int) (*mat.Dense, error) {
		out := mat.NewDense(nSamples, 2, nil)
		second := cellIndices[0] >= cutoff
		for s := 0; s < nSamples; s++ {
			if second {
				out.Set(s, 0, 0.5)
				out.Set(s, 1, 0.5)
			} else {
				out.Set(s, 0, 0.8)
				out.Set(s, 1, 0.2)
			}
		}
		return out, nil
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testComputation(sampler ScaleSampler) *DifferentialComputation {
	dc := NewDifferentialComputation(sampler, quietLogger(), 42)
	dc.NSamples = 20
	dc.MPermutations = 200
	return dc
}

func splitMasks(n, cutoff int) (m1, m2 []bool) {
	m1 = make([]bool, n)
	m2 = make([]bool, n)
	for i := 0; i < n; i++ {
		if i < cutoff {
			m1[i] = true
		} else {
			m2[i] = true
		}
	}
	return m1, m2
}

func TestGetBayesFactorsVanilla(t *testing.T) {
	dc := testComputation(twoGeneSampler(4))
	m1, m2 := splitMasks(8, 4)

	res, err := dc.GetBayesFactors(m1, m2, &BayesFactorOptions{Mode: ModeVanilla})
	require.NoError(t, err)

	// Gene 0: population 1 is always above population 2.
	assert.InDelta(t, 1.0, res.ProbaM1[0], 1e-9)
	assert.Greater(t, res.BayesFactor[0], 0.0)
	// Gene 1: population 1 is always below population 2.
	assert.InDelta(t, 0.0, res.ProbaM1[1], 1e-9)
	assert.InDelta(t, 1.0, res.ProbaM2[1], 1e-9)
	assert.Less(t, res.BayesFactor[1], 0.0)
	assert.InDelta(t, 0.3, res.Scale2[1]-res.Scale1[1], 1e-9)
}

func TestGetBayesFactorsChange(t *testing.T) {
	dc := testComputation(twoGeneSampler(4))
	m1, m2 := splitMasks(8, 4)

	res, err := dc.GetBayesFactors(m1, m2, &BayesFactorOptions{Mode: ModeChange, Delta: 1.0})
	require.NoError(t, err)
	require.NotNil(t, res.ProbaDE)

	// Gene 0 changes by |log2(0.8/0.5)| ≈ 0.68, below the threshold.
	assert.InDelta(t, 0.0, res.ProbaDE[0], 1e-9)
	// Gene 1 changes by |log2(0.2/0.5)| ≈ 1.32, above it.
	assert.InDelta(t, 1.0, res.ProbaDE[1], 1e-9)
	wantLFC := math.Log2(0.2+bayesEps) - math.Log2(0.5+bayesEps)
	assert.InDelta(t, wantLFC, res.LFCMean[1], 1e-6)
	assert.InDelta(t, wantLFC, res.LFCMedian[1], 1e-6)
	assert.InDelta(t, 0.0, res.LFCStd[1], 1e-6)
	assert.Equal(t, 1.0, res.Delta)
}

func TestGetBayesFactorsEmptyPopulation(t *testing.T) {
	dc := testComputation(twoGeneSampler(4))
	m1 := []bool{false, false}
	m2 := []bool{true, true}
	_, err := dc.GetBayesFactors(m1, m2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestGetBayesFactorsUnknownMode(t *testing.T) {
	dc := testComputation(twoGeneSampler(1))
	m1, m2 := splitMasks(2, 1)
	_, err := dc.GetBayesFactors(m1, m2, &BayesFactorOptions{Mode: "robust"})
	assert.Error(t, err)
}

func TestSampleScalesBatchCorrection(t *testing.T) {
	calls := make([]*int, 0)
	sampler := func(cellIndices []int, transformBatch *int, nSamples int) (*mat.Dense, error) {
		calls = append(calls, transformBatch)
		return mat.NewDense(nSamples, 1, nil), nil
	}
	dc := testComputation(sampler)

	// Batch correction enumerates the counterfactual batches.
	scales, err := dc.sampleScales([]int{0, 1}, []int{0, 1}, false)
	require.NoError(t, err)
	rows, _ := scales.Dims()
	assert.Equal(t, 2*dc.NSamples, rows)
	require.Len(t, calls, 2)
	assert.Equal(t, 0, *calls[0])
	assert.Equal(t, 1, *calls[1])

	// Observed batches decode in a single pass.
	calls = calls[:0]
	_, err = dc.sampleScales([]int{0, 1}, []int{0, 1}, true)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0])
}
