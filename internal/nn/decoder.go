package nn

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
)

// Decoder maps latent draws, library sizes and covariates to the
// parameters of the count likelihood.
type Decoder struct {
	FC           *FCLayers
	ScaleDecoder *Linear
	DropoutLayer *Linear
}

// DecoderConfig configures the count decoder
type DecoderConfig struct {
	NInput       int
	NOutput      int
	NCatList     []int
	NLayers      int
	NHidden      int
	UseLayerNorm bool
	DeepInject   bool
}

// NewDecoder builds the count decoder
func NewDecoder(config DecoderConfig) (*Decoder, error) {
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
		return nil, fmt.Errorf("decoder fc stack: %w", err)
	}
	scaleDecoder, err := NewLinear(config.NHidden, config.NOutput)
	if err != nil {
		return nil, err
	}
	dropoutLayer, err := NewLinear(config.NHidden, config.NOutput)
	if err != nil {
		return nil, err
	}
	return &Decoder{FC: fc, ScaleDecoder: scaleDecoder, DropoutLayer: dropoutLayer}, nil
}

// Forward maps (z [+covariates], library, categorical covariates) to the
// per-gene scale (softmax over genes), rate (exp(library) * scale), and
// dropout logits.
func (d *Decoder) Forward(z, library *autodiff.Tensor, cats ...[]int) (scale, rate, dropout *autodiff.Tensor, err error) {
	h, err := d.FC.Forward(z, cats...)
	if err != nil {
		return nil, nil, nil, err
	}
	rawScale, err := d.ScaleDecoder.Forward(h)
	if err != nil {
		return nil, nil, nil, err
	}
	scale, err = autodiff.Softmax(rawScale, -1)
	if err != nil {
		return nil, nil, nil, err
	}
	dropout, err = d.DropoutLayer.Forward(h)
	if err != nil {
		return nil, nil, nil, err
	}
	expLibrary, err := autodiff.Exp(library)
	if err != nil {
		return nil, nil, nil, err
	}
	rate, err = autodiff.Multiply(expLibrary, scale)
	if err != nil {
		return nil, nil, nil, err
	}
	return scale, rate, dropout, nil
}

// Parameters returns all trainable tensors under the given prefix
func (d *Decoder) Parameters(prefix string) map[string]*autodiff.Tensor {
	params := d.FC.Parameters(prefix + ".fc")
	for k, v := range d.ScaleDecoder.Parameters(prefix + ".scale") {
		params[k] = v
	}
	for k, v := range d.DropoutLayer.Parameters(prefix + ".dropout") {
		params[k] = v
	}
	return params
}
