// Package model is the user-facing layer: it owns a module, its data
// and annotations, drives training, and exposes differential expression
// on the trained posterior.
package model

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/de"
	"github.com/countvi/pkg/train"
	"github.com/countvi/pkg/vae"
)

// Model couples a variational module with a dataset and its per-cell
// annotations.
type Model struct {
	config    *vae.Config
	module    *vae.Module
	dataset   *train.Dataset
	obs       *de.ObsTable
	geneNames []string
	logger    *logrus.Logger

	trained  bool
	history  train.History
	trainer  train.Trainer
	trainIdx []int
	valIdx   []int
	testIdx  []int
}

// NewModel builds a model around a fresh module.
func NewModel(config *vae.Config, dataset *train.Dataset, obs *de.ObsTable, geneNames []string, logger *logrus.Logger) (*Model, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if len(geneNames) != dataset.NGenes() {
		return nil, fmt.Errorf("%d gene names for %d genes", len(geneNames), dataset.NGenes())
	}
	if obs != nil && obs.NRows() != dataset.NCells() {
		return nil, fmt.Errorf("obs table has %d rows for %d cells", obs.NRows(), dataset.NCells())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config != nil && !config.UseObservedLibSize && len(config.LibraryLogMeans) == 0 {
		// The log-normal library prior is parameterized from the data
		// when the caller did not supply its own statistics.
		means, variances, err := dataset.LibraryLogStats(config.NBatch)
		if err != nil {
			return nil, fmt.Errorf("computing library size statistics: %w", err)
		}
		config.LibraryLogMeans = means
		config.LibraryLogVars = variances
	}
	module, err := vae.NewModule(config)
	if err != nil {
		return nil, fmt.Errorf("building module: %w", err)
	}
	return &Model{
		config:    config,
		module:    module,
		dataset:   dataset,
		obs:       obs,
		geneNames: geneNames,
		logger:    logger,
		history:   make(train.History),
	}, nil
}

// Module returns the underlying variational module.
func (m *Model) Module() *vae.Module { return m.module }

// Config returns the module configuration.
func (m *Model) Config() *vae.Config { return m.config }

// Obs returns the per-cell annotation table.
func (m *Model) Obs() *de.ObsTable { return m.obs }

// GeneNames returns the gene names in matrix order.
func (m *Model) GeneNames() []string { return m.geneNames }

// IsTrained reports whether the model has completed a fit.
func (m *Model) IsTrained() bool { return m.trained }

// SetTrained flips the trained flag. The training runner calls this
// after its post-fit bookkeeping.
func (m *Model) SetTrained(trained bool) { m.trained = trained }

// History returns the merged metric history across all fits.
func (m *Model) History() train.History { return m.history }

// Trainer returns the trainer used by the most recent fit, for
// introspection; nil before the first Train call.
func (m *Model) Trainer() train.Trainer { return m.trainer }

// SetIndices records which cells the last fit used for training,
// validation, and test.
func (m *Model) SetIndices(trainIdx, valIdx, testIdx []int) {
	m.trainIdx = trainIdx
	m.valIdx = valIdx
	m.testIdx = testIdx
}

// TrainIndices returns the training cell indices of the last fit.
func (m *Model) TrainIndices() []int { return m.trainIdx }

// ValidationIndices returns the validation cell indices of the last fit.
func (m *Model) ValidationIndices() []int { return m.valIdx }

// TestIndices returns the test cell indices of the last fit.
func (m *Model) TestIndices() []int { return m.testIdx }

// ToDevice moves the module's parameters. Annotation tables and index
// bookkeeping stay on the host.
func (m *Model) ToDevice(device autodiff.Device) { m.module.MoveTo(device) }

// TrainOptions bundles the knobs of one fit.
type TrainOptions struct {
	Plan     *train.TrainingPlanConfig
	Trainer  *train.TrainerConfig
	Splitter *train.DataSplitter
	Device   *train.DeviceConfig
}

// Train fits the module and runs the post-fit bookkeeping. Repeated
// calls continue the metric history.
func (m *Model) Train(opts *TrainOptions) error {
	if opts == nil {
		opts = &TrainOptions{}
	}
	splitter := opts.Splitter
	if splitter == nil {
		splitter = train.NewDataSplitter(m.config.Seed)
	}
	plan := train.NewTrainingPlan(m.module, opts.Plan)
	trainer := train.NewMinibatchTrainer(opts.Trainer, m.logger)
	m.trainer = trainer
	runner := train.NewRunner(m, plan, trainer, m.dataset, splitter, opts.Device, m.logger)
	return runner.Run()
}

// ScaleSampler returns the posterior expression-scale sampler the
// differential expression engine consumes: for a set of cells it draws
// nSamples particles per cell and flattens them into a (draws × genes)
// matrix, optionally decoding under a counterfactual batch.
func (m *Model) ScaleSampler() de.ScaleSampler {
	return func(cellIndices []int, transformBatch *int, nSamples int) (*mat.Dense, error) {
		batch, err := m.dataset.Subset(cellIndices)
		if err != nil {
			return nil, err
		}
		m.module.Eval()
		inf, err := m.module.Inference(batch, nSamples)
		if err != nil {
			return nil, err
		}
		gen, err := m.module.Generative(inf.Z, inf.Library, &vae.GenerativeInputs{
			Batch:          batch,
			TransformBatch: transformBatch,
		})
		if err != nil {
			return nil, err
		}
		return scaleMatrix(gen.PxScale)
	}
}

// DifferentialExpression runs the Bayes-factor analysis on the trained
// posterior.
func (m *Model) DifferentialExpression(req *de.Request) (*de.Result, error) {
	if !m.trained {
		return nil, fmt.Errorf("model must be trained before differential expression")
	}
	if m.obs == nil {
		return nil, fmt.Errorf("differential expression requires a cell annotation table")
	}
	dc := de.NewDifferentialComputation(m.ScaleSampler(), m.logger, m.config.Seed)
	return dc.Run(m.obs, m.geneNames, req)
}

// scaleMatrix flattens a (particles × cells × genes) or (cells × genes)
// scale tensor into a row-per-draw dense matrix.
func scaleMatrix(scale *autodiff.Tensor) (*mat.Dense, error) {
	switch scale.Rank() {
	case 2:
		rows, cols := scale.Shape[0], scale.Shape[1]
		data := make([]float64, len(scale.Data))
		copy(data, scale.Data)
		return mat.NewDense(rows, cols, data), nil
	case 3:
		rows := scale.Shape[0] * scale.Shape[1]
		cols := scale.Shape[2]
		data := make([]float64, len(scale.Data))
		copy(data, scale.Data)
		return mat.NewDense(rows, cols, data), nil
	default:
		return nil, fmt.Errorf("expression scales have unexpected rank %d", scale.Rank())
	}
}
