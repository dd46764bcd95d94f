package train

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// TrainerConfig tunes the epoch loop.
type TrainerConfig struct {
	MaxEpochs int   `json:"max_epochs"`
	BatchSize int   `json:"batch_size"`
	Seed      int64 `json:"seed"`
	// LogEveryNEpochs controls progress reporting; 0 logs every epoch.
	LogEveryNEpochs int `json:"log_every_n_epochs"`
	// Silent disables progress reporting entirely.
	Silent bool `json:"silent"`
}

// NewDefaultTrainerConfig returns the default loop settings.
func NewDefaultTrainerConfig() *TrainerConfig {
	return &TrainerConfig{
		MaxEpochs:       400,
		BatchSize:       128,
		LogEveryNEpochs: 10,
	}
}

// Trainer is anything that can fit a plan on split data and expose the
// metric history of the run.
type Trainer interface {
	Fit(plan *TrainingPlan, dataset *Dataset, split *Split) error
	History() History
}

// MinibatchTrainer is the default trainer: shuffled minibatch epochs
// with per-epoch train and validation loss logging.
type MinibatchTrainer struct {
	Config  *TrainerConfig
	logger  *logrus.Logger
	history History
	rng     *rand.Rand
}

// NewMinibatchTrainer creates the default trainer.
func NewMinibatchTrainer(config *TrainerConfig, logger *logrus.Logger) *MinibatchTrainer {
	if config == nil {
		config = NewDefaultTrainerConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MinibatchTrainer{
		Config:  config,
		logger:  logger,
		history: make(History),
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
}

// History returns the metrics logged by the most recent Fit.
func (t *MinibatchTrainer) History() History { return t.history }

// Fit runs the epoch loop. The history is reset at the start of each
// call; merging across repeated fits is the runner's job.
func (t *MinibatchTrainer) Fit(plan *TrainingPlan, dataset *Dataset, split *Split) error {
	if plan == nil || dataset == nil || split == nil {
		return fmt.Errorf("plan, dataset, and split are all required")
	}
	if split.NTrain() == 0 {
		return fmt.Errorf("training split is empty")
	}
	t.history = make(History)

	trainIdx := make([]int, len(split.TrainIdx))
	copy(trainIdx, split.TrainIdx)

	for epoch := 0; epoch < t.Config.MaxEpochs; epoch++ {
		t.rng.Shuffle(len(trainIdx), func(i, j int) {
			trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
		})

		trainLoss, err := t.runEpoch(plan, dataset, trainIdx, true)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.record("elbo_train", epoch, trainLoss)

		fields := logrus.Fields{"epoch": epoch, "elbo_train": trainLoss}
		if split.NVal() > 0 {
			valLoss, err := t.runEpoch(plan, dataset, split.ValIdx, false)
			if err != nil {
				return fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			t.record("elbo_validation", epoch, valLoss)
			fields["elbo_validation"] = valLoss
		}

		every := t.Config.LogEveryNEpochs
		if !t.Config.Silent && (every <= 0 || epoch%every == 0 || epoch == t.Config.MaxEpochs-1) {
			t.logger.WithFields(fields).Info("training")
		}
	}
	return nil
}

// runEpoch walks the index list in minibatches and returns the
// size-weighted mean loss.
func (t *MinibatchTrainer) runEpoch(plan *TrainingPlan, dataset *Dataset, indices []int, training bool) (float64, error) {
	batchSize := t.Config.BatchSize
	if batchSize <= 0 {
		batchSize = len(indices)
	}
	total := 0.0
	for start := 0; start < len(indices); start += batchSize {
		end := start + batchSize
		if end > len(indices) {
			end = len(indices)
		}
		batch, err := dataset.Subset(indices[start:end])
		if err != nil {
			return 0, err
		}
		var loss float64
		if training {
			loss, err = plan.TrainStep(batch)
		} else {
			loss, err = plan.ValidationStep(batch)
		}
		if err != nil {
			return 0, err
		}
		total += loss * float64(end-start)
	}
	return total / float64(len(indices)), nil
}

func (t *MinibatchTrainer) record(name string, epoch int, value float64) {
	series, ok := t.history[name]
	if !ok {
		series = &MetricSeries{}
		t.history[name] = series
	}
	series.Index = append(series.Index, epoch)
	series.Values = append(series.Values, value)
}
