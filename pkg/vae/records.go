package vae

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/distributions"
)

// Batch is one minibatch of observations. X is the raw count matrix
// (cells × genes); covariates are optional.
type Batch struct {
	X          *autodiff.Tensor
	BatchIndex []int
	Labels     []int
	ContCovs   *autodiff.Tensor // (cells × n_continuous_cov), optional
	CatCovs    [][]int          // one integer column per categorical covariate
}

// NCells returns the number of observations in the batch
func (b *Batch) NCells() int {
	return b.X.Shape[0]
}

func (b *Batch) validate(config *Config) error {
	if b.X == nil || b.X.Rank() != 2 {
		return fmt.Errorf("observation tensor must be a (cells × genes) matrix")
	}
	n := b.X.Shape[0]
	if b.X.Shape[1] != config.NInput {
		return fmt.Errorf("observation tensor has %d genes, module configured for %d",
			b.X.Shape[1], config.NInput)
	}
	if len(b.BatchIndex) != n {
		return fmt.Errorf("batch index length %d does not match %d cells", len(b.BatchIndex), n)
	}
	if b.ContCovs != nil {
		if b.ContCovs.Rank() != 2 || b.ContCovs.Shape[0] != n || b.ContCovs.Shape[1] != config.NContinuousCov {
			return fmt.Errorf("continuous covariates shape %v does not match (%d × %d)",
				b.ContCovs.Shape, n, config.NContinuousCov)
		}
	} else if config.NContinuousCov > 0 {
		return fmt.Errorf("module configured for %d continuous covariates but none were given",
			config.NContinuousCov)
	}
	if len(b.CatCovs) != len(config.NCatsPerCov) {
		return fmt.Errorf("expected %d categorical covariates, got %d",
			len(config.NCatsPerCov), len(b.CatCovs))
	}
	for i, col := range b.CatCovs {
		if len(col) != n {
			return fmt.Errorf("categorical covariate %d has %d entries for %d cells", i, len(col), n)
		}
	}
	return nil
}

// InferenceOutputs is the result record of one inference call. The call
// owns these tensors exclusively; they are never aliased across calls.
type InferenceOutputs struct {
	// Z is the transformed latent draw, (particles × cells × latent) or
	// (cells × latent) when the particle dimension is collapsed.
	Z *autodiff.Tensor
	// QZ is the approximate posterior over the latent code
	QZ *distributions.Normal
	// QL is the approximate posterior over the log library size; nil when
	// the library size is observed.
	QL *distributions.Normal
	// Library is the (sampled or observed) log library size
	Library *autodiff.Tensor
	// LogQZ and LogQL are the summed log-densities of the draws under
	// their own posteriors; LogQJoint is their sum.
	LogQZ     *autodiff.Tensor
	LogQL     *autodiff.Tensor
	LogQJoint *autodiff.Tensor
	// PointLibrary is a point estimate of the log library size: the
	// posterior mean, or the observed value.
	PointLibrary *autodiff.Tensor
}

// GenerativeOutputs is the result record of one generative call.
type GenerativeOutputs struct {
	// Count-likelihood parameters
	PxScale   *autodiff.Tensor
	PxR       *autodiff.Tensor
	PxRate    *autodiff.Tensor
	PxDropout *autodiff.Tensor
	// Log-densities: library prior, reconstruction, latent prior, and
	// their sum.
	LogPL        *autodiff.Tensor
	LogPxLatents *autodiff.Tensor
	LogPZ        *autodiff.Tensor
	LogPJoint    *autodiff.Tensor
}

// LossRecorder reports the training loss and the auxiliary metrics shared
// with other training plans. KL terms are zero placeholders under the
// ratio-based estimators.
type LossRecorder struct {
	Loss               *autodiff.Tensor
	ReconstructionLoss *autodiff.Tensor
	KLLocal            *autodiff.Tensor
	KLGlobal           *autodiff.Tensor
}
