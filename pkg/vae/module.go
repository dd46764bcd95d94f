package vae

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/countvi/internal/nn"
	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/distributions"
)

// ErrUnknownLossType is returned when the configured loss mode is not one
// of the supported estimators.
var ErrUnknownLossType = errors.New("unknown loss type")

// ErrLogRatioShape is returned when the log-ratio matrix violates the
// (particles × cells) shape contract.
var ErrLogRatioShape = errors.New("log ratios must be a (particles × cells) matrix")

// Module is the generative-inference module: an encoder producing the
// approximate posterior over the latent code (and optionally the library
// size), a decoder producing count-likelihood parameters, and a learned
// per-gene dispersion.
type Module struct {
	Config *Config

	ZEncoder *nn.Encoder
	LEncoder *nn.Encoder // nil when the library size is observed
	Decoder  *nn.Decoder
	// PxR is the raw (log-space) dispersion parameter; its shape follows
	// the dispersion granularity resolved at construction.
	PxR *autodiff.Tensor

	dispersion dispersionKind
	rng        rand.Source
	device     autodiff.Device
	training   bool

	params map[string]*autodiff.Tensor
}

// NewModule builds the module from its configuration
func NewModule(config *Config) (*Module, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	encoderCats := []int{}
	if config.EncodeCovariates {
		encoderCats = append([]int{config.NBatch}, config.NCatsPerCov...)
	}
	nInputEncoder := config.NInput
	if config.EncodeCovariates {
		nInputEncoder += config.NContinuousCov
	}

	zEncoder, err := nn.NewEncoder(nn.EncoderConfig{
		NInput:       nInputEncoder,
		NOutput:      config.NLatent,
		NCatList:     encoderCats,
		NLayers:      config.NLayers,
		NHidden:      config.NHidden,
		UseLayerNorm: config.UseLayerNorm,
		DeepInject:   config.DeeplyInjectCovariates,
		Transform:    config.LatentDistribution,
	})
	if err != nil {
		return nil, fmt.Errorf("z encoder: %w", err)
	}

	var lEncoder *nn.Encoder
	if !config.UseObservedLibSize {
		lEncoder, err = nn.NewEncoder(nn.EncoderConfig{
			NInput:       nInputEncoder,
			NOutput:      1,
			NCatList:     encoderCats,
			NLayers:      1,
			NHidden:      config.NHidden,
			UseLayerNorm: config.UseLayerNorm,
			DeepInject:   config.DeeplyInjectCovariates,
			Transform:    nn.TransformIdentity,
		})
		if err != nil {
			return nil, fmt.Errorf("library encoder: %w", err)
		}
	}

	decoderCats := append([]int{config.NBatch}, config.NCatsPerCov...)
	decoder, err := nn.NewDecoder(nn.DecoderConfig{
		NInput:       config.NLatent + config.NContinuousCov,
		NOutput:      config.NInput,
		NCatList:     decoderCats,
		NLayers:      config.NLayers,
		NHidden:      config.NHidden,
		UseLayerNorm: config.UseLayerNorm,
		DeepInject:   config.DeeplyInjectCovariates,
	})
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	kind := dispersionKinds[config.Dispersion]
	var pxRShape []int
	switch kind {
	case perGene:
		pxRShape = []int{config.NInput}
	case perGeneBatch:
		pxRShape = []int{config.NBatch, config.NInput}
	case perGeneLabel:
		pxRShape = []int{config.NLabels, config.NInput}
	}
	pxR, err := autodiff.NewRandomTensor(pxRShape, &autodiff.TensorConfig{RequiresGrad: true, Name: "px_r"})
	if err != nil {
		return nil, err
	}

	m := &Module{
		Config:     config,
		ZEncoder:   zEncoder,
		LEncoder:   lEncoder,
		Decoder:    decoder,
		PxR:        pxR,
		dispersion: kind,
		rng:        rand.NewSource(uint64(config.Seed)),
		device:     autodiff.DeviceCPU,
		training:   true,
	}

	m.params = map[string]*autodiff.Tensor{"px_r": pxR}
	for k, v := range zEncoder.Parameters("z_encoder") {
		m.params[k] = v
	}
	if lEncoder != nil {
		for k, v := range lEncoder.Parameters("l_encoder") {
			m.params[k] = v
		}
	}
	for k, v := range decoder.Parameters("decoder") {
		m.params[k] = v
	}
	return m, nil
}

// Parameters returns all trainable tensors keyed by name
func (m *Module) Parameters() map[string]*autodiff.Tensor {
	return m.params
}

// Train puts the module in training mode
func (m *Module) Train() { m.training = true }

// Eval puts the module in evaluation mode
func (m *Module) Eval() { m.training = false }

// Training reports whether the module is in training mode
func (m *Module) Training() bool { return m.training }

// Device returns the module's current device
func (m *Module) Device() autodiff.Device { return m.device }

// MoveTo retags every parameter onto the target device
func (m *Module) MoveTo(device autodiff.Device) {
	m.device = device
	for _, p := range m.params {
		p.MoveTo(device)
	}
}

// Inference runs the encoder side of the model. nSamples selects the
// particle count; 0 uses the configured default. With one particle the
// particle dimension is collapsed.
func (m *Module) Inference(batch *Batch, nSamples int) (*InferenceOutputs, error) {
	if err := batch.validate(m.Config); err != nil {
		return nil, err
	}
	if nSamples == 0 {
		nSamples = m.Config.NParticles
	}
	if nSamples < 1 {
		return nil, fmt.Errorf("particle count must be at least 1, got %d", nSamples)
	}

	var observedLibrary *autodiff.Tensor
	if m.Config.UseObservedLibSize {
		var err error
		observedLibrary, err = observedLogLibrary(batch.X)
		if err != nil {
			return nil, err
		}
	}

	x := batch.X
	if m.Config.LogVariational {
		var err error
		x, err = autodiff.Log1p(x)
		if err != nil {
			return nil, err
		}
	}

	encoderInput := x
	var cats [][]int
	if m.Config.EncodeCovariates {
		if batch.ContCovs != nil {
			var err error
			encoderInput, err = autodiff.ConcatLast(x, batch.ContCovs)
			if err != nil {
				return nil, err
			}
		}
		cats = append([][]int{batch.BatchIndex}, batch.CatCovs...)
	}

	qz, err := m.ZEncoder.Forward(encoderInput, cats...)
	if err != nil {
		return nil, fmt.Errorf("z encoder forward: %w", err)
	}

	untranZ, err := qz.Rsample(nSamples, m.rng)
	if err != nil {
		return nil, err
	}
	logQZ, err := summedLogProb(qz, untranZ)
	if err != nil {
		return nil, err
	}
	z, err := m.ZEncoder.TransformZ(untranZ)
	if err != nil {
		return nil, err
	}

	out := &InferenceOutputs{Z: z, QZ: qz, LogQZ: logQZ}

	if m.Config.UseObservedLibSize {
		out.Library = observedLibrary
		out.PointLibrary = observedLibrary
		out.LogQL = autodiff.NewScalar(0, nil)
	} else {
		ql, err := m.LEncoder.Forward(encoderInput, cats...)
		if err != nil {
			return nil, fmt.Errorf("library encoder forward: %w", err)
		}
		library, err := ql.Rsample(nSamples, m.rng)
		if err != nil {
			return nil, err
		}
		logQL, err := summedLogProb(ql, library)
		if err != nil {
			return nil, err
		}
		out.QL = ql
		out.Library = library
		out.LogQL = logQL
		out.PointLibrary = ql.Mean()
	}

	out.LogQJoint, err = autodiff.Add(out.LogQZ, out.LogQL)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerativeInputs collects everything the generative operation needs
// beyond the latents themselves.
type GenerativeInputs struct {
	Batch *Batch
	// TransformBatch, when non-nil, replaces the batch index uniformly
	// before decoding (counterfactual batch conditioning; not used during
	// training).
	TransformBatch *int
}

// Generative runs the decoder side of the model on the given latent draw
// and library size. Deterministic given its inputs.
func (m *Module) Generative(z, library *autodiff.Tensor, in *GenerativeInputs) (*GenerativeOutputs, error) {
	if in == nil || in.Batch == nil {
		return nil, fmt.Errorf("generative inputs cannot be nil")
	}
	batch := in.Batch
	if err := batch.validate(m.Config); err != nil {
		return nil, err
	}

	batchIndex := batch.BatchIndex
	if in.TransformBatch != nil {
		tb := *in.TransformBatch
		if tb < 0 || tb >= m.Config.NBatch {
			return nil, fmt.Errorf("transform batch %d out of range [0, %d)", tb, m.Config.NBatch)
		}
		batchIndex = make([]int, len(batch.BatchIndex))
		for i := range batchIndex {
			batchIndex[i] = tb
		}
	}

	decoderInput := z
	if batch.ContCovs != nil {
		covs := batch.ContCovs
		if z.Rank() == 3 {
			// Broadcast covariates across the particle dimension
			target := []int{z.Shape[0], covs.Shape[0], covs.Shape[1]}
			var err error
			covs, err = autodiff.BroadcastTo(covs, target)
			if err != nil {
				return nil, err
			}
		}
		var err error
		decoderInput, err = autodiff.ConcatLast(z, covs)
		if err != nil {
			return nil, err
		}
	}

	cats := append([][]int{batchIndex}, batch.CatCovs...)
	pxScale, pxRate, pxDropout, err := m.Decoder.Forward(decoderInput, library, cats...)
	if err != nil {
		return nil, fmt.Errorf("decoder forward: %w", err)
	}

	pxR, err := m.selectDispersion(batchIndex, batch.Labels)
	if err != nil {
		return nil, err
	}
	pxR, err = autodiff.Exp(pxR)
	if err != nil {
		return nil, err
	}

	logPZ, err := standardNormalSummed(z)
	if err != nil {
		return nil, err
	}

	var logPL *autodiff.Tensor
	if m.Config.UseObservedLibSize {
		logPL = autodiff.NewScalar(0, nil)
	} else {
		logPL, err = m.libraryPriorLogProb(library, batchIndex)
		if err != nil {
			return nil, err
		}
	}

	logPx, err := distributions.LogLikelihood(m.Config.GeneLikelihood, batch.X, pxRate, pxR, pxDropout)
	if err != nil {
		return nil, err
	}
	logPx, err = autodiff.Sum(logPx, -1)
	if err != nil {
		return nil, err
	}

	logPJoint, err := autodiff.Add(logPx, logPZ)
	if err != nil {
		return nil, err
	}
	logPJoint, err = autodiff.Add(logPJoint, logPL)
	if err != nil {
		return nil, err
	}

	return &GenerativeOutputs{
		PxScale:      pxScale,
		PxR:          pxR,
		PxRate:       pxRate,
		PxDropout:    pxDropout,
		LogPL:        logPL,
		LogPxLatents: logPx,
		LogPZ:        logPZ,
		LogPJoint:    logPJoint,
	}, nil
}

// EstimateLikelihood scores the observations of a batch under an
// arbitrary latent/library pair without re-running inference, returning
// the per-observation reconstruction log-likelihood.
func (m *Module) EstimateLikelihood(batch *Batch, z, library *autodiff.Tensor) (*autodiff.Tensor, error) {
	gen, err := m.Generative(z, library, &GenerativeInputs{Batch: batch})
	if err != nil {
		return nil, err
	}
	return gen.LogPxLatents, nil
}

// Loss converts joint log-probability ratios into the scalar training
// loss. klWeight is accepted for interface compatibility with annealed
// training plans and is unused by the ratio-based estimators.
func (m *Module) Loss(batch *Batch, inf *InferenceOutputs, gen *GenerativeOutputs, klWeight float64) (*LossRecorder, error) {
	_ = klWeight

	logRatios, err := autodiff.Subtract(gen.LogPJoint, inf.LogQJoint)
	if err != nil {
		return nil, err
	}
	if logRatios.Rank() != 2 {
		return nil, fmt.Errorf("%w: got rank %d", ErrLogRatioShape, logRatios.Rank())
	}

	var loss *autodiff.Tensor
	switch m.Config.LossType {
	case LossELBO:
		mean, err := autodiff.Mean(logRatios)
		if err != nil {
			return nil, err
		}
		loss, err = autodiff.Neg(mean)
		if err != nil {
			return nil, err
		}
	case LossIWELBO:
		// Self-normalized importance weights over the particle axis,
		// detached from the gradient graph.
		weights, err := autodiff.Softmax(logRatios.Detach(), 0)
		if err != nil {
			return nil, err
		}
		weighted, err := autodiff.Multiply(weights, logRatios)
		if err != nil {
			return nil, err
		}
		perCell, err := autodiff.Sum(weighted, 0)
		if err != nil {
			return nil, err
		}
		mean, err := autodiff.Mean(perCell)
		if err != nil {
			return nil, err
		}
		loss, err = autodiff.Neg(mean)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownLossType, m.Config.LossType)
	}

	reconst, err := autodiff.MeanAxis(gen.LogPxLatents, 0)
	if err != nil {
		return nil, err
	}
	reconst, err = autodiff.Neg(reconst)
	if err != nil {
		return nil, err
	}

	return &LossRecorder{
		Loss:               loss,
		ReconstructionLoss: reconst,
		KLLocal:            autodiff.NewScalar(0, nil),
		KLGlobal:           autodiff.NewScalar(0, nil),
	}, nil
}

// selectDispersion resolves the raw dispersion tensor for a minibatch
// according to the granularity variant fixed at construction.
func (m *Module) selectDispersion(batchIndex, labels []int) (*autodiff.Tensor, error) {
	switch m.dispersion {
	case perGene:
		return m.PxR, nil
	case perGeneBatch:
		return autodiff.IndexSelect(m.PxR, 0, batchIndex)
	case perGeneLabel:
		if len(labels) != len(batchIndex) {
			return nil, fmt.Errorf("gene-label dispersion requires one label per cell, got %d labels for %d cells",
				len(labels), len(batchIndex))
		}
		return autodiff.IndexSelect(m.PxR, 0, labels)
	default:
		return nil, fmt.Errorf("unresolved dispersion variant %d", m.dispersion)
	}
}

// libraryPriorLogProb evaluates the per-batch log-normal library prior,
// looking up the training-population summary statistics by batch index.
func (m *Module) libraryPriorLogProb(library *autodiff.Tensor, batchIndex []int) (*autodiff.Tensor, error) {
	n := len(batchIndex)
	locData := make([]float64, n)
	scaleData := make([]float64, n)
	for i, b := range batchIndex {
		if b < 0 || b >= m.Config.NBatch {
			return nil, fmt.Errorf("batch index %d out of range [0, %d)", b, m.Config.NBatch)
		}
		locData[i] = m.Config.LibraryLogMeans[b]
		scaleData[i] = math.Sqrt(m.Config.LibraryLogVars[b])
	}
	loc, err := autodiff.NewTensorFrom(locData, []int{n, 1}, nil)
	if err != nil {
		return nil, err
	}
	scale, err := autodiff.NewTensorFrom(scaleData, []int{n, 1}, nil)
	if err != nil {
		return nil, err
	}
	prior, err := distributions.NewNormal(loc, scale)
	if err != nil {
		return nil, err
	}
	return summedLogProb(prior, library)
}

// observedLogLibrary derives the log library size from per-cell total
// counts, shape (cells × 1).
func observedLogLibrary(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	total, err := autodiff.Sum(x, -1)
	if err != nil {
		return nil, err
	}
	total, err = autodiff.Unsqueeze(total, 1)
	if err != nil {
		return nil, err
	}
	return autodiff.Log(total)
}

func summedLogProb(d *distributions.Normal, x *autodiff.Tensor) (*autodiff.Tensor, error) {
	lp, err := d.LogProb(x)
	if err != nil {
		return nil, err
	}
	return autodiff.Sum(lp, -1)
}

func standardNormalSummed(z *autodiff.Tensor) (*autodiff.Tensor, error) {
	lp, err := distributions.StandardNormalLogProb(z)
	if err != nil {
		return nil, err
	}
	return autodiff.Sum(lp, -1)
}
