package train

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/vae"
)

// TrainingPlanConfig tunes the optimization of one module.
type TrainingPlanConfig struct {
	LearningRate      float64 `json:"learning_rate"`
	WeightDecay       float64 `json:"weight_decay"`
	GradientClipValue float64 `json:"gradient_clip_value"`
	// KLWeight scales the KL term of estimators that expose one. The
	// ratio-based estimators fold the KL into the log ratios, so it has
	// no effect there.
	KLWeight float64 `json:"kl_weight"`
}

// NewDefaultTrainingPlanConfig returns the default optimization settings.
func NewDefaultTrainingPlanConfig() *TrainingPlanConfig {
	return &TrainingPlanConfig{
		LearningRate:      1e-3,
		WeightDecay:       1e-6,
		GradientClipValue: 10.0,
		KLWeight:          1.0,
	}
}

// TrainingPlan couples a module with its optimizer and defines what one
// training step and one validation step do.
type TrainingPlan struct {
	Module    *vae.Module
	Config    *TrainingPlanConfig
	Optimizer autodiff.Optimizer
}

// NewTrainingPlan builds a plan around the module with Adam.
func NewTrainingPlan(module *vae.Module, config *TrainingPlanConfig) *TrainingPlan {
	if config == nil {
		config = NewDefaultTrainingPlanConfig()
	}
	return &TrainingPlan{
		Module:    module,
		Config:    config,
		Optimizer: autodiff.NewAdamOptimizer(config.LearningRate, config.WeightDecay),
	}
}

// forward runs inference, generative, and loss for one minibatch.
func (p *TrainingPlan) forward(batch *vae.Batch) (*vae.LossRecorder, error) {
	inf, err := p.Module.Inference(batch, 0)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	gen, err := p.Module.Generative(inf.Z, inf.Library, &vae.GenerativeInputs{Batch: batch})
	if err != nil {
		return nil, fmt.Errorf("generative: %w", err)
	}
	rec, err := p.Module.Loss(batch, inf, gen, p.Config.KLWeight)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	return rec, nil
}

// TrainStep runs one forward/backward pass and applies the gradients.
// Returns the minibatch loss.
func (p *TrainingPlan) TrainStep(batch *vae.Batch) (float64, error) {
	p.Module.Train()
	rec, err := p.forward(batch)
	if err != nil {
		return 0, err
	}
	params := p.Module.Parameters()
	autodiff.ZeroGrads(params)
	if err := rec.Loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if p.Config.GradientClipValue > 0 {
		autodiff.ClipGradNorm(params, p.Config.GradientClipValue)
	}
	p.Optimizer.Step(params)
	return rec.Loss.Value(), nil
}

// ValidationStep evaluates the loss without touching the parameters.
func (p *TrainingPlan) ValidationStep(batch *vae.Batch) (float64, error) {
	p.Module.Eval()
	rec, err := p.forward(batch)
	if err != nil {
		return 0, err
	}
	return rec.Loss.Value(), nil
}
