// Package distributions provides the parametric distributions used by the
// count-data generative model: Gaussian posteriors over latent codes and
// library sizes, and the count likelihoods (negative binomial and
// variants). Distributions keep their parameters as tensors so that
// log-probabilities participate in the gradient graph.
package distributions

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/countvi/pkg/autodiff"
)

const log2Pi = 1.8378770664093453

// Parametric is implemented by distributions whose identity is fully
// determined by a fixed set of named parameter tensors. Subsetting,
// device moves and concatenation operate through this interface without
// knowing the concrete family.
type Parametric interface {
	// ParamNames lists the constructor-recognized parameter names in a
	// stable order.
	ParamNames() []string
	// Param returns the named parameter tensor.
	Param(name string) *autodiff.Tensor
	// FromParams builds a distribution of the identical family from a
	// full set of named parameters.
	FromParams(params map[string]*autodiff.Tensor) (Parametric, error)
}

// Normal is a Gaussian distribution parameterized by location and scale.
// Parameters may be any broadcast-compatible tensor shape.
type Normal struct {
	Loc   *autodiff.Tensor
	Scale *autodiff.Tensor
}

// NewNormal creates a Normal distribution
func NewNormal(loc, scale *autodiff.Tensor) (*Normal, error) {
	if loc == nil || scale == nil {
		return nil, fmt.Errorf("normal parameters cannot be nil")
	}
	return &Normal{Loc: loc, Scale: scale}, nil
}

// ParamNames implements Parametric
func (n *Normal) ParamNames() []string {
	return []string{"loc", "scale"}
}

// Param implements Parametric
func (n *Normal) Param(name string) *autodiff.Tensor {
	switch name {
	case "loc":
		return n.Loc
	case "scale":
		return n.Scale
	}
	return nil
}

// FromParams implements Parametric
func (n *Normal) FromParams(params map[string]*autodiff.Tensor) (Parametric, error) {
	loc, ok := params["loc"]
	if !ok {
		return nil, fmt.Errorf("missing normal parameter %q", "loc")
	}
	scale, ok := params["scale"]
	if !ok {
		return nil, fmt.Errorf("missing normal parameter %q", "scale")
	}
	return NewNormal(loc, scale)
}

// Mean returns the distribution mean (the location parameter)
func (n *Normal) Mean() *autodiff.Tensor {
	return n.Loc
}

// Rsample draws reparameterized samples. With nSamples > 1 the particle
// dimension leads the parameter shape; nSamples <= 1 keeps the parameter
// shape (the particle dimension is squeezed).
func (n *Normal) Rsample(nSamples int, src rand.Source) (*autodiff.Tensor, error) {
	shape := n.Loc.Shape
	if nSamples > 1 {
		shape = append([]int{nSamples}, shape...)
	}
	eps, err := autodiff.NewNormalTensor(shape, src)
	if err != nil {
		return nil, err
	}
	scaled, err := autodiff.Multiply(n.Scale, eps)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(n.Loc, scaled)
}

// LogProb evaluates the Gaussian log-density at x, broadcasting x against
// the parameters.
func (n *Normal) LogProb(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	diff, err := autodiff.Subtract(x, n.Loc)
	if err != nil {
		return nil, err
	}
	z, err := autodiff.Divide(diff, n.Scale)
	if err != nil {
		return nil, err
	}
	z2, err := autodiff.Multiply(z, z)
	if err != nil {
		return nil, err
	}
	quad, err := autodiff.ScalarMultiply(z2, -0.5)
	if err != nil {
		return nil, err
	}
	logScale, err := autodiff.Log(n.Scale)
	if err != nil {
		return nil, err
	}
	out, err := autodiff.Subtract(quad, logScale)
	if err != nil {
		return nil, err
	}
	return autodiff.AddScalar(out, -0.5*log2Pi)
}

// StandardNormalLogProb evaluates the standard normal log-density at x
// without allocating parameter tensors.
func StandardNormalLogProb(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	x2, err := autodiff.Multiply(x, x)
	if err != nil {
		return nil, err
	}
	quad, err := autodiff.ScalarMultiply(x2, -0.5)
	if err != nil {
		return nil, err
	}
	return autodiff.AddScalar(quad, -0.5*log2Pi)
}
