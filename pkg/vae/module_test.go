package vae

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/autodiff"
)

func testConfig() *Config {
	cfg := NewDefaultConfig(4)
	cfg.NBatch = 2
	cfg.NHidden = 8
	cfg.NLatent = 3
	cfg.NParticles = 3
	cfg.UseObservedLibSize = true
	return cfg
}

func testModule(t *testing.T, cfg *Config) *Module {
	t.Helper()
	m, err := NewModule(cfg)
	require.NoError(t, err)
	return m
}

func testBatch(t *testing.T, nCells int) *Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	data := make([]float64, nCells*4)
	for i := range data {
		data[i] = float64(rng.Intn(20) + 1)
	}
	batchIndex := make([]int, nCells)
	for i := range batchIndex {
		batchIndex[i] = i % 2
	}
	return &Batch{
		X:          autodiff.MustNewTensorFrom(data, []int{nCells, 4}, nil),
		BatchIndex: batchIndex,
		Labels:     make([]int, nCells),
	}
}

func TestInferenceParticleShapes(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 5)

	inf, err := m.Inference(batch, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 3}, inf.Z.Shape)
	assert.Equal(t, []int{3, 5}, inf.LogQZ.Shape)
	assert.Equal(t, []int{3, 5}, inf.LogQJoint.Shape)

	// One particle collapses the particle dimension.
	single, err := m.Inference(batch, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, single.Z.Shape)
}

func TestInferenceDefaultsToConfiguredParticles(t *testing.T) {
	m := testModule(t, testConfig())
	inf, err := m.Inference(testBatch(t, 4), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, inf.Z.Shape[0])
}

func TestObservedLibrary(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 3)

	inf, err := m.Inference(batch, 2)
	require.NoError(t, err)
	require.Nil(t, inf.QL)
	assert.Equal(t, []int{3, 1}, inf.Library.Shape)

	// log of the row sum of counts.
	want := 0.0
	for g := 0; g < 4; g++ {
		want += batch.X.At(0, g)
	}
	assert.InDelta(t, math.Log(want), inf.Library.At(0, 0), 1e-10)
}

func TestEncodedLibrary(t *testing.T) {
	cfg := testConfig()
	cfg.UseObservedLibSize = false
	cfg.LibraryLogMeans = []float64{5.0, 5.5}
	cfg.LibraryLogVars = []float64{1.0, 1.0}
	m := testModule(t, cfg)

	inf, err := m.Inference(testBatch(t, 3), 2)
	require.NoError(t, err)
	require.NotNil(t, inf.QL)
	assert.Equal(t, []int{2, 3, 1}, inf.Library.Shape)
	assert.Equal(t, []int{2, 3}, inf.LogQL.Shape)
	assert.Equal(t, inf.QL.Loc, inf.PointLibrary)
}

func TestMissingLibraryStatsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.UseObservedLibSize = false
	_, err := NewModule(cfg)
	assert.Error(t, err)
}

func runForward(t *testing.T, m *Module, batch *Batch, nSamples int) (*InferenceOutputs, *GenerativeOutputs) {
	t.Helper()
	inf, err := m.Inference(batch, nSamples)
	require.NoError(t, err)
	gen, err := m.Generative(inf.Z, inf.Library, &GenerativeInputs{Batch: batch})
	require.NoError(t, err)
	return inf, gen
}

func TestGenerativeShapes(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 5)
	_, gen := runForward(t, m, batch, 3)

	assert.Equal(t, []int{3, 5, 4}, gen.PxScale.Shape)
	assert.Equal(t, []int{3, 5, 4}, gen.PxRate.Shape)
	assert.Equal(t, []int{3, 5}, gen.LogPxLatents.Shape)
	assert.Equal(t, []int{3, 5}, gen.LogPJoint.Shape)

	// Scales are a normalized expression profile.
	for p := 0; p < 3; p++ {
		for c := 0; c < 5; c++ {
			sum := 0.0
			for g := 0; g < 4; g++ {
				sum += gen.PxScale.At(p, c, g)
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		}
	}
}

func TestTransformBatchOutOfRange(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 2)
	inf, err := m.Inference(batch, 2)
	require.NoError(t, err)

	tb := 7
	_, err = m.Generative(inf.Z, inf.Library, &GenerativeInputs{Batch: batch, TransformBatch: &tb})
	assert.Error(t, err)
}

func TestTransformBatchChangesBatchDispersion(t *testing.T) {
	cfg := testConfig()
	cfg.Dispersion = DispersionGeneBatch
	m := testModule(t, cfg)
	batch := testBatch(t, 4)

	inf, err := m.Inference(batch, 2)
	require.NoError(t, err)

	tb0, tb1 := 0, 1
	gen0, err := m.Generative(inf.Z, inf.Library, &GenerativeInputs{Batch: batch, TransformBatch: &tb0})
	require.NoError(t, err)
	gen1, err := m.Generative(inf.Z, inf.Library, &GenerativeInputs{Batch: batch, TransformBatch: &tb1})
	require.NoError(t, err)

	assert.NotEqual(t, gen0.PxR.Data, gen1.PxR.Data)
}

func TestLossELBO(t *testing.T) {
	cfg := testConfig()
	cfg.LossType = LossELBO
	m := testModule(t, cfg)
	batch := testBatch(t, 5)
	inf, gen := runForward(t, m, batch, 3)

	rec, err := m.Loss(batch, inf, gen, 1.0)
	require.NoError(t, err)

	want := 0.0
	for i := range gen.LogPJoint.Data {
		want += gen.LogPJoint.Data[i] - inf.LogQJoint.Data[i]
	}
	want = -want / float64(len(gen.LogPJoint.Data))
	assert.InDelta(t, want, rec.Loss.Value(), 1e-9)
}

func TestLossIWELBO(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 5)
	inf, gen := runForward(t, m, batch, 3)

	rec, err := m.Loss(batch, inf, gen, 1.0)
	require.NoError(t, err)

	// Per cell: sum over particles of softmax(logRatios)*logRatios.
	particles, cells := 3, 5
	ratios := make([][]float64, particles)
	for p := range ratios {
		ratios[p] = make([]float64, cells)
		for c := 0; c < cells; c++ {
			idx := p*cells + c
			ratios[p][c] = gen.LogPJoint.Data[idx] - inf.LogQJoint.Data[idx]
		}
	}
	total := 0.0
	for c := 0; c < cells; c++ {
		maxVal := math.Inf(-1)
		for p := 0; p < particles; p++ {
			if ratios[p][c] > maxVal {
				maxVal = ratios[p][c]
			}
		}
		z := 0.0
		for p := 0; p < particles; p++ {
			z += math.Exp(ratios[p][c] - maxVal)
		}
		for p := 0; p < particles; p++ {
			w := math.Exp(ratios[p][c]-maxVal) / z
			total += w * ratios[p][c]
		}
	}
	want := -total / float64(cells)
	assert.InDelta(t, want, rec.Loss.Value(), 1e-9)
}

func TestLossBackwardReachesParameters(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 4)
	inf, gen := runForward(t, m, batch, 3)

	rec, err := m.Loss(batch, inf, gen, 1.0)
	require.NoError(t, err)
	require.NoError(t, rec.Loss.Backward())

	grad := 0.0
	for _, g := range m.PxR.Grad {
		grad += math.Abs(g)
	}
	assert.Greater(t, grad, 0.0)
}

func TestLossRejectsCollapsedParticleAxis(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 4)
	inf, gen := runForward(t, m, batch, 1)

	_, err := m.Loss(batch, inf, gen, 1.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLogRatioShape))
}

func TestLossUnknownMode(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 4)
	inf, gen := runForward(t, m, batch, 3)

	m.Config.LossType = "WAKE_SLEEP"
	_, err := m.Loss(batch, inf, gen, 1.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownLossType))
}

func TestBatchValidation(t *testing.T) {
	m := testModule(t, testConfig())

	wrongGenes := &Batch{
		X:          autodiff.MustNewTensor([]int{2, 7}, nil),
		BatchIndex: []int{0, 1},
	}
	_, err := m.Inference(wrongGenes, 2)
	assert.Error(t, err)

	missingIndex := &Batch{X: autodiff.MustNewTensor([]int{2, 4}, nil)}
	_, err = m.Inference(missingIndex, 2)
	assert.Error(t, err)
}

func TestContinuousCovariatesRequired(t *testing.T) {
	cfg := testConfig()
	cfg.NContinuousCov = 2
	m := testModule(t, cfg)

	batch := testBatch(t, 3)
	_, err := m.Inference(batch, 2)
	require.Error(t, err)

	batch.ContCovs = autodiff.MustNewTensor([]int{3, 2}, nil)
	inf, err := m.Inference(batch, 2)
	require.NoError(t, err)
	gen, err := m.Generative(inf.Z, inf.Library, &GenerativeInputs{Batch: batch})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, gen.PxRate.Shape)
}

func TestEstimateLikelihood(t *testing.T) {
	m := testModule(t, testConfig())
	batch := testBatch(t, 3)
	inf, err := m.Inference(batch, 2)
	require.NoError(t, err)

	ll, err := m.EstimateLikelihood(batch, inf.Z, inf.Library)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, ll.Shape)
	for _, v := range ll.Data {
		assert.Less(t, v, 0.0)
	}
}

func TestTrainEvalAndDevice(t *testing.T) {
	m := testModule(t, testConfig())
	assert.True(t, m.Training())
	m.Eval()
	assert.False(t, m.Training())

	m.MoveTo(autodiff.DeviceMetal)
	assert.Equal(t, autodiff.DeviceMetal, m.Device())
	assert.Equal(t, autodiff.DeviceMetal, m.PxR.Device)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Dispersion = "gene-cell"
	_, err := NewModule(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.NParticles = 0
	_, err = NewModule(cfg)
	assert.Error(t, err)
}
