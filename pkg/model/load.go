package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/countvi/pkg/de"
	"github.com/countvi/pkg/train"
	"github.com/countvi/pkg/vae"
)

// attrs keys of the saved model dictionary.
const (
	attrInitParams = "init_params_"
	attrIsTrained  = "is_trained_"
)

// SaveAttrs flattens the model into a serializable attribute dictionary.
// Construction arguments are stored under init_params_ split into
// non-keyword and grouped keyword arguments, so reconstruction does not
// depend on the concrete model type.
func (m *Model) SaveAttrs() (map[string]interface{}, error) {
	var configMap map[string]interface{}
	if err := decodeWithJSONTags(m.config, &configMap); err != nil {
		return nil, fmt.Errorf("encoding init params: %w", err)
	}
	return map[string]interface{}{
		attrInitParams: map[string]interface{}{
			"non_kwargs": map[string]interface{}{},
			"kwargs": map[string]interface{}{
				"module_kwargs": configMap,
			},
		},
		attrIsTrained: m.trained,
	}, nil
}

// Save writes the attribute dictionary as JSON.
func (m *Model) Save(path string) error {
	attrs, err := m.SaveAttrs()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling model attributes: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	return nil
}

// Load reads a saved attribute dictionary and reconstructs the model
// around the given data.
func Load(path string, dataset *train.Dataset, obs *de.ObsTable, geneNames []string, logger *logrus.Logger) (*Model, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("saved model %q does not exist; models saved in an older layout must be re-saved with Save first", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading saved model: %w", err)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("parsing saved model: %w", err)
	}
	return FromAttrs(attrs, dataset, obs, geneNames, logger)
}

// FromAttrs reconstructs a model from its attribute dictionary.
func FromAttrs(attrs map[string]interface{}, dataset *train.Dataset, obs *de.ObsTable, geneNames []string, logger *logrus.Logger) (*Model, error) {
	params, err := initParamsFromAttrs(attrs)
	if err != nil {
		return nil, err
	}
	config := vae.NewDefaultConfig(0)
	if err := decodeWithJSONTags(params, config); err != nil {
		return nil, fmt.Errorf("decoding init params: %w", err)
	}
	m, err := NewModel(config, dataset, obs, geneNames, logger)
	if err != nil {
		return nil, err
	}
	if trained, ok := attrs[attrIsTrained].(bool); ok && trained {
		m.module.Eval()
		m.trained = true
	}
	return m, nil
}

// initParams mirrors the saved construction-argument layout.
type initParams struct {
	NonKwargs map[string]interface{} `mapstructure:"non_kwargs"`
	Kwargs    map[string]interface{} `mapstructure:"kwargs"`
}

// initParamsFromAttrs extracts and flattens the construction arguments.
// The current layout groups keyword arguments by destination; the legacy
// layout stored everything at the top level with nested maps for the
// grouped arguments. Both flatten to a single parameter map.
func initParamsFromAttrs(attrs map[string]interface{}) (map[string]interface{}, error) {
	rawInit, ok := attrs[attrInitParams]
	if !ok {
		return nil, fmt.Errorf("no init_params_ were saved by the model")
	}
	initMap, ok := rawInit.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("init_params_ has unexpected type %T", rawInit)
	}

	flat := make(map[string]interface{})
	if _, grouped := initMap["non_kwargs"]; grouped {
		var ip initParams
		if err := mapstructure.Decode(initMap, &ip); err != nil {
			return nil, fmt.Errorf("decoding init_params_: %w", err)
		}
		for k, v := range ip.NonKwargs {
			flat[k] = v
		}
		for _, group := range ip.Kwargs {
			inner, ok := group.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("grouped kwargs have unexpected type %T", group)
			}
			for k, v := range inner {
				flat[k] = v
			}
		}
		return flat, nil
	}

	// Legacy layout: nested maps are argument groups, everything else a
	// direct argument.
	for k, v := range initMap {
		if inner, isMap := v.(map[string]interface{}); isMap {
			for ik, iv := range inner {
				flat[ik] = iv
			}
			continue
		}
		flat[k] = v
	}
	return flat, nil
}

// decodeWithJSONTags maps between structs and attribute maps using the
// struct's JSON tags, so the on-disk keys match the JSON config layout.
func decodeWithJSONTags(input, output interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           output,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
