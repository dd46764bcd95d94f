package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/vae"
)

func TestDefaultExperimentConfigValid(t *testing.T) {
	cfg := NewDefaultExperimentConfig(200)
	cfg.Module.LibraryLogMeans = []float64{7.0}
	cfg.Module.LibraryLogVars = []float64{1.0}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200, cfg.Module.NInput)
	assert.Equal(t, vae.LossIWELBO, cfg.Module.LossType)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cfg := &ExperimentConfig{}
	require.Error(t, cfg.Validate())

	cfg = NewDefaultExperimentConfig(0)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module")

	cfg = NewDefaultExperimentConfig(10)
	cfg.Module.UseObservedLibSize = true
	cfg.Splitter.TrainSize = 1.5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train_size")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := NewDefaultExperimentConfig(50)
	cfg.Module.UseObservedLibSize = true
	cfg.Module.NLatent = 7
	cfg.Trainer.MaxEpochs = 33
	cfg.Splitter.Seed = 4

	path := filepath.Join(t.TempDir(), "nested", "experiment.json")
	require.NoError(t, SaveExperimentConfig(cfg, path))

	loaded, err := LoadExperimentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, loaded.Module.NInput)
	assert.Equal(t, 7, loaded.Module.NLatent)
	assert.Equal(t, 33, loaded.Trainer.MaxEpochs)
	assert.Equal(t, int64(4), loaded.Splitter.Seed)
	assert.Equal(t, cfg.Module.Dispersion, loaded.Module.Dispersion)
}

func TestLoadMissingExperiment(t *testing.T) {
	_, err := LoadExperimentConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidExperiment(t *testing.T) {
	cfg := NewDefaultExperimentConfig(10)
	cfg.Module.UseObservedLibSize = true
	cfg.Module.NParticles = 0

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, SaveExperimentConfig(cfg, path))

	_, err := LoadExperimentConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n_particles")
}
