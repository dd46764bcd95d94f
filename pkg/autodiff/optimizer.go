package autodiff

import "math"

// Optimizer updates named parameters in place from their accumulated
// gradients.
type Optimizer interface {
	Step(params map[string]*Tensor)
}

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	M            map[string][]float64
	V            map[string][]float64
	T            int
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(lr float64, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  weightDecay,
		M:            make(map[string][]float64),
		V:            make(map[string][]float64),
		T:            0,
	}
}

// Step performs one optimization step
func (opt *AdamOptimizer) Step(params map[string]*Tensor) {
	opt.T++
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.T))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.T))
	for name, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		if _, exists := opt.M[name]; !exists {
			opt.M[name] = make([]float64, len(param.Data))
			opt.V[name] = make([]float64, len(param.Data))
		}
		m, v := opt.M[name], opt.V[name]
		for i := range param.Data {
			gradVal := param.Grad[i]
			if opt.WeightDecay > 0 {
				gradVal += opt.WeightDecay * param.Data[i]
			}
			m[i] = opt.Beta1*m[i] + (1.0-opt.Beta1)*gradVal
			v[i] = opt.Beta2*v[i] + (1.0-opt.Beta2)*gradVal*gradVal
			mCorrected := m[i] / bc1
			vCorrected := v[i] / bc2
			param.Data[i] -= opt.LearningRate * mCorrected / (math.Sqrt(vCorrected) + opt.Epsilon)
		}
	}
}

// SGDOptimizer implements stochastic gradient descent with momentum
type SGDOptimizer struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Velocity     map[string][]float64
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(lr float64, weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		LearningRate: lr,
		Momentum:     0.9,
		WeightDecay:  weightDecay,
		Velocity:     make(map[string][]float64),
	}
}

// Step performs one optimization step
func (opt *SGDOptimizer) Step(params map[string]*Tensor) {
	for name, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		if _, exists := opt.Velocity[name]; !exists {
			opt.Velocity[name] = make([]float64, len(param.Data))
		}
		vel := opt.Velocity[name]
		for i := range param.Data {
			gradVal := param.Grad[i]
			if opt.WeightDecay > 0 {
				gradVal += opt.WeightDecay * param.Data[i]
			}
			vel[i] = opt.Momentum*vel[i] - opt.LearningRate*gradVal
			param.Data[i] += vel[i]
		}
	}
}

// ClipGradNorm rescales all parameter gradients so their joint L2 norm
// does not exceed maxNorm. Returns the norm before clipping.
func ClipGradNorm(params map[string]*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		for _, g := range param.Grad {
			total += g * g
		}
	}
	norm := math.Sqrt(total)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-12)
		for _, param := range params {
			if param.Grad == nil || !param.Requires {
				continue
			}
			for i := range param.Grad {
				param.Grad[i] *= scale
			}
		}
	}
	return norm
}

// ZeroGrads clears the gradients of every tracked parameter
func ZeroGrads(params map[string]*Tensor) {
	for _, param := range params {
		if param.Requires && param.Grad != nil {
			for i := range param.Grad {
				param.Grad[i] = 0.0
			}
		}
	}
}
