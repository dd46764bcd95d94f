// Package vae implements the generative-inference module: an
// encoder/decoder pair over count data trained with importance-weighted
// latent samples, plus the ELBO/IWELBO loss estimators.
package vae

import (
	"fmt"

	"github.com/countvi/internal/nn"
	"github.com/countvi/pkg/distributions"
)

// LossType selects the training objective
type LossType string

const (
	// LossELBO is the plain evidence lower bound
	LossELBO LossType = "ELBO"
	// LossIWELBO is the importance-weighted bound over multiple particles
	LossIWELBO LossType = "IWELBO"
)

// Dispersion selects the granularity of the learned negative-binomial
// dispersion parameter.
type Dispersion string

const (
	DispersionGene      Dispersion = "gene"
	DispersionGeneBatch Dispersion = "gene-batch"
	DispersionGeneLabel Dispersion = "gene-label"
)

// dispersionKind is the closed variant the string setting resolves to at
// construction time.
type dispersionKind int

const (
	perGene dispersionKind = iota
	perGeneBatch
	perGeneLabel
)

var dispersionKinds = map[Dispersion]dispersionKind{
	DispersionGene:      perGene,
	DispersionGeneBatch: perGeneBatch,
	DispersionGeneLabel: perGeneLabel,
}

// Config holds the module hyperparameters.
type Config struct {
	NInput     int `json:"n_input"`
	NBatch     int `json:"n_batch"`
	NLabels    int `json:"n_labels"`
	NHidden    int `json:"n_hidden"`
	NLatent    int `json:"n_latent"`
	NLayers    int `json:"n_layers"`
	NParticles int `json:"n_particles"`

	LossType       LossType                     `json:"loss_type"`
	Dispersion     Dispersion                   `json:"dispersion"`
	GeneLikelihood distributions.GeneLikelihood `json:"gene_likelihood"`

	NContinuousCov int   `json:"n_continuous_cov"`
	NCatsPerCov    []int `json:"n_cats_per_cov"`

	LogVariational         bool               `json:"log_variational"`
	LatentDistribution     nn.LatentTransform `json:"latent_distribution"`
	EncodeCovariates       bool               `json:"encode_covariates"`
	DeeplyInjectCovariates bool               `json:"deeply_inject_covariates"`
	UseLayerNorm           bool               `json:"use_layer_norm"`

	UseObservedLibSize bool      `json:"use_observed_lib_size"`
	LibraryLogMeans    []float64 `json:"library_log_means"`
	LibraryLogVars     []float64 `json:"library_log_vars"`

	Seed int64 `json:"seed"`
}

// NewDefaultConfig creates the default module configuration for a gene
// count matrix with the given number of genes.
func NewDefaultConfig(nInput int) *Config {
	return &Config{
		NInput:                 nInput,
		NBatch:                 1,
		NLabels:                1,
		NHidden:                128,
		NLatent:                10,
		NLayers:                1,
		NParticles:             25,
		LossType:               LossIWELBO,
		Dispersion:             DispersionGene,
		GeneLikelihood:         distributions.LikelihoodNB,
		LogVariational:         true,
		LatentDistribution:     nn.TransformIdentity,
		EncodeCovariates:       false,
		DeeplyInjectCovariates: true,
		UseLayerNorm:           true,
		UseObservedLibSize:     false,
		Seed:                   0,
	}
}

// Validate checks structural consistency of the configuration
func (c *Config) Validate() error {
	if c.NInput <= 0 {
		return fmt.Errorf("n_input must be positive, got %d", c.NInput)
	}
	if c.NBatch <= 0 {
		return fmt.Errorf("n_batch must be positive, got %d", c.NBatch)
	}
	if c.NLatent <= 0 || c.NHidden <= 0 || c.NLayers <= 0 {
		return fmt.Errorf("invalid architecture: n_latent=%d n_hidden=%d n_layers=%d",
			c.NLatent, c.NHidden, c.NLayers)
	}
	if c.NParticles < 1 {
		return fmt.Errorf("n_particles must be at least 1, got %d", c.NParticles)
	}
	if _, ok := dispersionKinds[c.Dispersion]; !ok {
		return fmt.Errorf("unknown dispersion mode %q", c.Dispersion)
	}
	if !c.UseObservedLibSize {
		if len(c.LibraryLogMeans) != c.NBatch || len(c.LibraryLogVars) != c.NBatch {
			return fmt.Errorf("library log means/vars must have one entry per batch (%d), got %d/%d",
				c.NBatch, len(c.LibraryLogMeans), len(c.LibraryLogVars))
		}
	}
	return nil
}
