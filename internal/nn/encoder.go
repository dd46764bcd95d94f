package nn

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/distributions"
)

// varEps keeps posterior variances strictly positive.
const varEps = 1e-4

// LatentTransform is the link applied to raw posterior draws before they
// enter the decoder.
type LatentTransform string

const (
	// TransformIdentity leaves the draw untouched ("normal" latent space)
	TransformIdentity LatentTransform = "normal"
	// TransformSoftmax maps draws onto the simplex ("ln" latent space)
	TransformSoftmax LatentTransform = "ln"
)

// Encoder maps observations to a Gaussian approximate posterior.
type Encoder struct {
	FC        *FCLayers
	MeanLayer *Linear
	VarLayer  *Linear
	Transform LatentTransform
}

// EncoderConfig configures an encoder head
type EncoderConfig struct {
	NInput       int
	NOutput      int
	NCatList     []int
	NLayers      int
	NHidden      int
	UseLayerNorm bool
	DeepInject   bool
	Transform    LatentTransform
}

// NewEncoder builds an encoder head
func NewEncoder(config EncoderConfig) (*Encoder, error) {
	fc, err := NewFCLayers(FCLayersConfig{
		NIn:          config.NInput,
		NOut:         config.NHidden,
		NCatList:     config.NCatList,
		NLayers:      config.NLayers,
		NHidden:      config.NHidden,
		UseLayerNorm: config.UseLayerNorm,
		DeepInject:   config.DeepInject,
	})
	if err != nil {
		return nil, fmt.Errorf("encoder fc stack: %w", err)
	}
	meanLayer, err := NewLinear(config.NHidden, config.NOutput)
	if err != nil {
		return nil, err
	}
	varLayer, err := NewLinear(config.NHidden, config.NOutput)
	if err != nil {
		return nil, err
	}
	transform := config.Transform
	if transform == "" {
		transform = TransformIdentity
	}
	return &Encoder{FC: fc, MeanLayer: meanLayer, VarLayer: varLayer, Transform: transform}, nil
}

// Forward produces the approximate posterior for one minibatch. The
// variance head goes through a softplus activation plus a small epsilon
// so the scale stays positive.
func (e *Encoder) Forward(x *autodiff.Tensor, cats ...[]int) (*distributions.Normal, error) {
	h, err := e.FC.Forward(x, cats...)
	if err != nil {
		return nil, err
	}
	mu, err := e.MeanLayer.Forward(h)
	if err != nil {
		return nil, err
	}
	rawVar, err := e.VarLayer.Forward(h)
	if err != nil {
		return nil, err
	}
	v, err := autodiff.Softplus(rawVar)
	if err != nil {
		return nil, err
	}
	v, err = autodiff.AddScalar(v, varEps)
	if err != nil {
		return nil, err
	}
	scale, err := autodiff.Sqrt(v)
	if err != nil {
		return nil, err
	}
	return distributions.NewNormal(mu, scale)
}

// TransformZ applies the latent link transform to a raw posterior draw
func (e *Encoder) TransformZ(z *autodiff.Tensor) (*autodiff.Tensor, error) {
	switch e.Transform {
	case TransformIdentity, "":
		return z, nil
	case TransformSoftmax:
		return autodiff.Softmax(z, -1)
	default:
		return nil, fmt.Errorf("unknown latent transform %q", e.Transform)
	}
}

// Parameters returns all trainable tensors under the given prefix
func (e *Encoder) Parameters(prefix string) map[string]*autodiff.Tensor {
	params := e.FC.Parameters(prefix + ".fc")
	for k, v := range e.MeanLayer.Parameters(prefix + ".mean") {
		params[k] = v
	}
	for k, v := range e.VarLayer.Parameters(prefix + ".var") {
		params[k] = v
	}
	return params
}
