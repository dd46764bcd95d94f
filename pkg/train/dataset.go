// Package train runs the optimization loop: data splitting, minibatch
// stepping, metric history, device placement, and the post-fit
// bookkeeping that hands a trained module back to its model.
package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/countvi/pkg/autodiff"
	"github.com/countvi/pkg/vae"
)

// Dataset holds the full training data in memory: the raw count matrix
// plus per-cell annotations and covariates.
type Dataset struct {
	X          *autodiff.Tensor // (cells × genes)
	BatchIndex []int
	Labels     []int
	ContCovs   *autodiff.Tensor // optional, (cells × n_continuous_cov)
	CatCovs    [][]int          // one integer column per categorical covariate
}

// NCells returns the number of cells in the dataset.
func (d *Dataset) NCells() int {
	if d.X == nil {
		return 0
	}
	return d.X.Shape[0]
}

// NGenes returns the number of genes in the dataset.
func (d *Dataset) NGenes() int {
	if d.X == nil {
		return 0
	}
	return d.X.Shape[1]
}

// LibraryLogStats computes the per-batch mean and variance of the log
// library size (log of each cell's total count). These parameterize the
// log-normal library prior when the library size is inferred rather
// than observed.
func (d *Dataset) LibraryLogStats(nBatch int) (means, variances []float64, err error) {
	if nBatch <= 0 {
		return nil, nil, fmt.Errorf("n_batch must be positive, got %d", nBatch)
	}
	logLibs := make([][]float64, nBatch)
	nCells := d.NCells()
	nGenes := d.NGenes()
	for i := 0; i < nCells; i++ {
		b := 0
		if d.BatchIndex != nil {
			b = d.BatchIndex[i]
		}
		if b < 0 || b >= nBatch {
			return nil, nil, fmt.Errorf("cell %d has batch index %d outside [0, %d)", i, b, nBatch)
		}
		sum := 0.0
		for j := 0; j < nGenes; j++ {
			sum += d.X.Data[i*nGenes+j]
		}
		if sum <= 0 {
			return nil, nil, fmt.Errorf("cell %d has zero total count", i)
		}
		logLibs[b] = append(logLibs[b], math.Log(sum))
	}

	means = make([]float64, nBatch)
	variances = make([]float64, nBatch)
	for b, libs := range logLibs {
		if len(libs) == 0 {
			return nil, nil, fmt.Errorf("batch %d has no cells", b)
		}
		means[b] = stat.Mean(libs, nil)
		// A single-cell batch has no spread to estimate.
		variances[b] = 1.0
		if len(libs) > 1 {
			variances[b] = stat.Variance(libs, nil)
		}
	}
	return means, variances, nil
}

// Subset gathers the given cells into a minibatch.
func (d *Dataset) Subset(indices []int) (*vae.Batch, error) {
	n := d.NCells()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("cell index %d out of range [0, %d)", idx, n)
		}
	}

	batch := &vae.Batch{
		X:          gatherRows(d.X, indices),
		BatchIndex: gatherInts(d.BatchIndex, indices),
		Labels:     gatherInts(d.Labels, indices),
	}
	if d.ContCovs != nil {
		batch.ContCovs = gatherRows(d.ContCovs, indices)
	}
	for _, col := range d.CatCovs {
		batch.CatCovs = append(batch.CatCovs, gatherInts(col, indices))
	}
	return batch, nil
}

// gatherRows copies the selected rows of a 2-D tensor into a fresh
// tensor. Input data never needs gradients, so no graph is built.
func gatherRows(t *autodiff.Tensor, indices []int) *autodiff.Tensor {
	cols := t.Shape[1]
	data := make([]float64, len(indices)*cols)
	for i, idx := range indices {
		copy(data[i*cols:(i+1)*cols], t.Data[idx*cols:(idx+1)*cols])
	}
	return autodiff.MustNewTensorFrom(data, []int{len(indices), cols}, nil)
}

func gatherInts(values, indices []int) []int {
	if values == nil {
		return nil
	}
	out := make([]int, len(indices))
	for i, idx := range indices {
		out[i] = values[idx]
	}
	return out
}
