// Package core ties the model, training, and analysis settings into one
// experiment configuration with JSON persistence.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/countvi/pkg/train"
	"github.com/countvi/pkg/vae"
)

// ExperimentConfig bundles every configurable setting of one run: the
// module hyperparameters, the optimization settings, the epoch loop, the
// data split, and device placement.
type ExperimentConfig struct {
	Module   *vae.Config               `json:"module"`
	Plan     *train.TrainingPlanConfig `json:"plan"`
	Trainer  *train.TrainerConfig      `json:"trainer"`
	Splitter *train.DataSplitter       `json:"splitter"`
	Device   *train.DeviceConfig       `json:"device"`
}

// NewDefaultExperimentConfig creates the default experiment for a count
// matrix with the given number of genes.
func NewDefaultExperimentConfig(nGenes int) *ExperimentConfig {
	return &ExperimentConfig{
		Module:   vae.NewDefaultConfig(nGenes),
		Plan:     train.NewDefaultTrainingPlanConfig(),
		Trainer:  train.NewDefaultTrainerConfig(),
		Splitter: train.NewDataSplitter(0),
		Device:   &train.DeviceConfig{Accelerator: train.AcceleratorAuto},
	}
}

// Validate checks the experiment for structural consistency.
func (c *ExperimentConfig) Validate() error {
	if c.Module == nil {
		return fmt.Errorf("experiment has no module configuration")
	}
	if err := c.Module.Validate(); err != nil {
		return fmt.Errorf("module: %w", err)
	}
	if c.Splitter != nil {
		if c.Splitter.TrainSize <= 0 || c.Splitter.TrainSize > 1 {
			return fmt.Errorf("splitter: train_size must be in (0, 1], got %v", c.Splitter.TrainSize)
		}
	}
	return nil
}

// SaveExperimentConfig writes the configuration to a JSON file, creating
// parent directories as needed.
func SaveExperimentConfig(config *ExperimentConfig, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %v", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal experiment config: %v", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write experiment config: %v", err)
	}
	return nil
}

// LoadExperimentConfig reads a configuration from a JSON file.
func LoadExperimentConfig(filePath string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment config: %v", err)
	}
	var config ExperimentConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse experiment config: %v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
