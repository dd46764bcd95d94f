// Package nn implements the neural building blocks of the count-data
// generative model: fully connected stacks with categorical covariate
// injection, the Gaussian posterior encoder heads, and the count decoder.
package nn

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
)

// Linear is a dense layer computing x*W + b
type Linear struct {
	InDim  int
	OutDim int
	Weight *autodiff.Tensor
	Bias   *autodiff.Tensor
}

// NewLinear creates a dense layer with small random weights
func NewLinear(inDim, outDim int) (*Linear, error) {
	w, err := autodiff.NewRandomTensor([]int{inDim, outDim}, &autodiff.TensorConfig{RequiresGrad: true, Name: "weight"})
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	b, err := autodiff.NewTensor([]int{outDim}, &autodiff.TensorConfig{RequiresGrad: true, Name: "bias"})
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %w", err)
	}
	return &Linear{InDim: inDim, OutDim: outDim, Weight: w, Bias: b}, nil
}

// Forward applies the affine map; the input may carry leading batch or
// particle dimensions.
func (l *Linear) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := autodiff.MatMul(x, l.Weight)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(h, l.Bias)
}

// Parameters returns the layer's trainable tensors under the given prefix
func (l *Linear) Parameters(prefix string) map[string]*autodiff.Tensor {
	return map[string]*autodiff.Tensor{
		prefix + ".weight": l.Weight,
		prefix + ".bias":   l.Bias,
	}
}

// LayerNorm normalizes over the last axis with learned gain and shift
type LayerNorm struct {
	Dim     int
	Epsilon float64
	Gamma   *autodiff.Tensor
	Beta    *autodiff.Tensor
}

// NewLayerNorm creates a layer normalization component
func NewLayerNorm(dim int) (*LayerNorm, error) {
	gamma, err := autodiff.NewTensor([]int{dim}, &autodiff.TensorConfig{RequiresGrad: true, Name: "gamma"})
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor in layernorm: %w", err)
	}
	for i := range gamma.Data {
		gamma.Data[i] = 1.0
	}
	beta, err := autodiff.NewTensor([]int{dim}, &autodiff.TensorConfig{RequiresGrad: true, Name: "beta"})
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor in layernorm: %w", err)
	}
	return &LayerNorm{Dim: dim, Epsilon: 1e-5, Gamma: gamma, Beta: beta}, nil
}

// Forward applies layer normalization over the final axis
func (ln *LayerNorm) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	if x.Shape[len(x.Shape)-1] != ln.Dim {
		return nil, fmt.Errorf("layernorm dim %d does not match input shape %v", ln.Dim, x.Shape)
	}
	mean, err := autodiff.MeanAxis(x, -1)
	if err != nil {
		return nil, err
	}
	mean, err = autodiff.Unsqueeze(mean, len(mean.Shape))
	if err != nil {
		return nil, err
	}
	diff, err := autodiff.Subtract(x, mean)
	if err != nil {
		return nil, err
	}
	sq, err := autodiff.Multiply(diff, diff)
	if err != nil {
		return nil, err
	}
	variance, err := autodiff.MeanAxis(sq, -1)
	if err != nil {
		return nil, err
	}
	variance, err = autodiff.Unsqueeze(variance, len(variance.Shape))
	if err != nil {
		return nil, err
	}
	varEps, err := autodiff.AddScalar(variance, ln.Epsilon)
	if err != nil {
		return nil, err
	}
	std, err := autodiff.Sqrt(varEps)
	if err != nil {
		return nil, err
	}
	norm, err := autodiff.Divide(diff, std)
	if err != nil {
		return nil, err
	}
	scaled, err := autodiff.Multiply(norm, ln.Gamma)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(scaled, ln.Beta)
}

// Parameters returns the layer's trainable tensors under the given prefix
func (ln *LayerNorm) Parameters(prefix string) map[string]*autodiff.Tensor {
	return map[string]*autodiff.Tensor{
		prefix + ".gamma": ln.Gamma,
		prefix + ".beta":  ln.Beta,
	}
}

// FCLayersConfig configures a fully connected stack
type FCLayersConfig struct {
	NIn          int
	NOut         int
	NCatList     []int // cardinality of each injected categorical covariate
	NLayers      int
	NHidden      int
	UseLayerNorm bool
	// DeepInject concatenates the one-hot covariates into the input of
	// every layer rather than only the first.
	DeepInject bool
}

// FCLayers is a stack of Linear (+ LayerNorm) + ReLU blocks with one-hot
// categorical covariate injection.
type FCLayers struct {
	Config  FCLayersConfig
	Linears []*Linear
	Norms   []*LayerNorm
}

// NewFCLayers builds the stack
func NewFCLayers(config FCLayersConfig) (*FCLayers, error) {
	if config.NLayers <= 0 {
		return nil, fmt.Errorf("fc stack needs at least one layer, got %d", config.NLayers)
	}
	catDim := 0
	for _, n := range config.NCatList {
		if n <= 0 {
			return nil, fmt.Errorf("categorical covariate cardinality must be positive, got %d", n)
		}
		catDim += n
	}

	fc := &FCLayers{Config: config}
	for i := 0; i < config.NLayers; i++ {
		in := config.NHidden
		if i == 0 {
			in = config.NIn
		}
		out := config.NHidden
		if i == config.NLayers-1 {
			out = config.NOut
		}
		if i == 0 || config.DeepInject {
			in += catDim
		}
		lin, err := NewLinear(in, out)
		if err != nil {
			return nil, err
		}
		fc.Linears = append(fc.Linears, lin)
		if config.UseLayerNorm {
			norm, err := NewLayerNorm(out)
			if err != nil {
				return nil, err
			}
			fc.Norms = append(fc.Norms, norm)
		}
	}
	return fc, nil
}

// Forward runs the stack. cats holds one integer column per categorical
// covariate (the batch index first, by convention); each is one-hot
// encoded and concatenated into the layer inputs.
func (fc *FCLayers) Forward(x *autodiff.Tensor, cats ...[]int) (*autodiff.Tensor, error) {
	if len(cats) != len(fc.Config.NCatList) {
		return nil, fmt.Errorf("expected %d categorical covariates, got %d", len(fc.Config.NCatList), len(cats))
	}
	oneHots := make([]*autodiff.Tensor, len(cats))
	for i, col := range cats {
		oh, err := autodiff.OneHot(col, fc.Config.NCatList[i])
		if err != nil {
			return nil, fmt.Errorf("covariate %d: %w", i, err)
		}
		oneHots[i] = oh
	}

	h := x
	for i, lin := range fc.Linears {
		inject := i == 0 || fc.Config.DeepInject
		if inject && len(oneHots) > 0 {
			parts := make([]*autodiff.Tensor, 0, len(oneHots)+1)
			parts = append(parts, h)
			for _, oh := range oneHots {
				expanded, err := expandLike(oh, h)
				if err != nil {
					return nil, err
				}
				parts = append(parts, expanded)
			}
			var err error
			h, err = autodiff.ConcatLast(parts...)
			if err != nil {
				return nil, err
			}
		}
		var err error
		h, err = lin.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("fc layer %d: %w", i, err)
		}
		if fc.Config.UseLayerNorm {
			h, err = fc.Norms[i].Forward(h)
			if err != nil {
				return nil, fmt.Errorf("fc layernorm %d: %w", i, err)
			}
		}
		h, err = autodiff.ReLU(h)
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Parameters returns all trainable tensors under the given prefix
func (fc *FCLayers) Parameters(prefix string) map[string]*autodiff.Tensor {
	params := make(map[string]*autodiff.Tensor)
	for i, lin := range fc.Linears {
		for k, v := range lin.Parameters(fmt.Sprintf("%s.layer_%d", prefix, i)) {
			params[k] = v
		}
	}
	for i, norm := range fc.Norms {
		for k, v := range norm.Parameters(fmt.Sprintf("%s.norm_%d", prefix, i)) {
			params[k] = v
		}
	}
	return params
}

// expandLike broadcasts a rank-2 covariate tensor to the leading shape of
// ref so it can be concatenated along the final axis.
func expandLike(t, ref *autodiff.Tensor) (*autodiff.Tensor, error) {
	if len(ref.Shape) == len(t.Shape) {
		return t, nil
	}
	if len(ref.Shape) != len(t.Shape)+1 {
		return nil, fmt.Errorf("cannot expand shape %v alongside %v", t.Shape, ref.Shape)
	}
	target := make([]int, len(ref.Shape))
	copy(target, ref.Shape)
	target[len(target)-1] = t.Shape[len(t.Shape)-1]
	return autodiff.BroadcastTo(t, target)
}
