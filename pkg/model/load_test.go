package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countvi/pkg/vae"
)

func TestSaveAttrsRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Dispersion = vae.DispersionGeneLabel
	cfg.NLabels = 2
	m, err := NewModel(cfg, testDataset(t, 8), nil, geneNames, quietLogger())
	require.NoError(t, err)
	m.SetTrained(true)

	attrs, err := m.SaveAttrs()
	require.NoError(t, err)

	restored, err := FromAttrs(attrs, testDataset(t, 8), nil, geneNames, quietLogger())
	require.NoError(t, err)

	got := restored.Config()
	assert.Equal(t, cfg.NInput, got.NInput)
	assert.Equal(t, cfg.NHidden, got.NHidden)
	assert.Equal(t, cfg.NLatent, got.NLatent)
	assert.Equal(t, cfg.NParticles, got.NParticles)
	assert.Equal(t, vae.DispersionGeneLabel, got.Dispersion)
	assert.True(t, got.UseObservedLibSize)
	assert.True(t, restored.IsTrained())
	assert.False(t, restored.Module().Training())
}

func TestSaveAndLoadFile(t *testing.T) {
	m := testModel(t)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path, testDataset(t, 8), testObs(t, 8), geneNames, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, m.Config().NInput, loaded.Config().NInput)
	assert.False(t, loaded.IsTrained())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"), testDataset(t, 8), nil, geneNames, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestFromAttrsMissingInitParams(t *testing.T) {
	_, err := FromAttrs(map[string]interface{}{attrIsTrained: true}, testDataset(t, 8), nil, geneNames, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no init_params_ were saved")
}

func TestFromAttrsLegacyLayout(t *testing.T) {
	attrs := map[string]interface{}{
		attrInitParams: map[string]interface{}{
			// Direct arguments at the top level.
			"n_input": float64(3),
			// Grouped arguments as a nested map.
			"module_kwargs": map[string]interface{}{
				"n_hidden":              float64(4),
				"n_latent":              float64(2),
				"n_particles":           float64(3),
				"use_observed_lib_size": true,
			},
		},
		attrIsTrained: false,
	}

	m, err := FromAttrs(attrs, testDataset(t, 8), nil, geneNames, quietLogger())
	require.NoError(t, err)

	got := m.Config()
	assert.Equal(t, 3, got.NInput)
	assert.Equal(t, 4, got.NHidden)
	assert.Equal(t, 2, got.NLatent)
	assert.Equal(t, 3, got.NParticles)
	assert.True(t, got.UseObservedLibSize)
	assert.False(t, m.IsTrained())
}
