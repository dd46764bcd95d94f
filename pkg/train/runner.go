package train

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/countvi/pkg/vae"
)

// Target is the model-side surface the runner updates after a fit.
type Target interface {
	Module() *vae.Module
	SetIndices(train, val, test []int)
	History() History
	SetTrained(trained bool)
}

// Runner wires a model, its training plan, a trainer, and the data
// split together, and performs the post-fit bookkeeping: index
// propagation, history merging, eval mode, and device placement.
type Runner struct {
	Target   Target
	Plan     *TrainingPlan
	Trainer  Trainer
	Dataset  *Dataset
	Splitter *DataSplitter
	Device   *DeviceConfig

	logger *logrus.Logger
}

// NewRunner assembles a runner.
func NewRunner(target Target, plan *TrainingPlan, trainer Trainer, dataset *Dataset, splitter *DataSplitter, device *DeviceConfig, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		Target:   target,
		Plan:     plan,
		Trainer:  trainer,
		Dataset:  dataset,
		Splitter: splitter,
		Device:   device,
		logger:   logger,
	}
}

// Run resolves the device, fits the plan, and updates the target.
func (r *Runner) Run() error {
	device, err := r.Device.Resolve()
	if err != nil {
		return err
	}
	r.Plan.Module.MoveTo(device)

	split, err := r.Splitter.Split(r.Dataset.NCells())
	if err != nil {
		return fmt.Errorf("splitting data: %w", err)
	}

	if err := r.Trainer.Fit(r.Plan, r.Dataset, split); err != nil {
		return err
	}

	r.Target.SetIndices(split.TrainIdx, split.ValIdx, split.TestIdx)
	r.updateHistory()
	r.Plan.Module.Eval()
	r.Target.SetTrained(true)
	return nil
}

// updateHistory merges the trainer's run history into the target's. A
// trainer without history support degrades to a warning, not an error.
func (r *Runner) updateHistory() {
	newer := r.Trainer.History()
	if newer == nil {
		r.logger.Warn("training history cannot be updated: trainer logged no metrics")
		return
	}
	r.Target.History().Merge(newer)
}
