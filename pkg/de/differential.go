package de

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// bayesEps guards the log-odds transform at probability extremes.
const bayesEps = 1e-8

// Mode selects the differential expression estimator.
type Mode string

const (
	// ModeVanilla scores genes by the Bayes factor of P(scale1 > scale2)
	ModeVanilla Mode = "vanilla"
	// ModeChange scores genes by the posterior probability that the
	// absolute log2 fold change exceeds a minimum effect size
	ModeChange Mode = "change"
)

// ScaleSampler draws normalized per-gene expression scales from the
// generative model for a set of cells, optionally under a counterfactual
// batch. Returns a (samples × genes) matrix.
type ScaleSampler func(cellIndices []int, transformBatch *int, nSamples int) (*mat.Dense, error)

// DifferentialComputation estimates per-gene differential expression
// measures by repeated stochastic evaluation of the generative model.
type DifferentialComputation struct {
	sampler ScaleSampler
	logger  *logrus.Logger
	rng     *rand.Rand

	// NSamples is the number of posterior scale draws per population;
	// MPermutations the number of random sample pairs compared.
	NSamples      int
	MPermutations int
}

// NewDifferentialComputation creates the computation engine around a
// scale sampler.
func NewDifferentialComputation(sampler ScaleSampler, logger *logrus.Logger, seed int64) *DifferentialComputation {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DifferentialComputation{
		sampler:       sampler,
		logger:        logger,
		rng:           rand.New(rand.NewSource(seed)),
		NSamples:      500,
		MPermutations: 10000,
	}
}

// BayesFactorOptions tunes one Bayes-factor comparison.
type BayesFactorOptions struct {
	Mode  Mode
	Delta float64
	// BatchID1/BatchID2 restrict (or enumerate, under batch correction)
	// the counterfactual batches each population is decoded under.
	BatchID1 []int
	BatchID2 []int
	// UseObservedBatches decodes each cell under its own batch instead of
	// enumerating counterfactual batches.
	UseObservedBatches bool
}

// BayesFactorResult carries the per-gene columns of one comparison.
type BayesFactorResult struct {
	Mode        Mode
	BayesFactor []float64
	ProbaM1     []float64
	ProbaM2     []float64
	Scale1      []float64
	Scale2      []float64

	// Change mode only
	ProbaDE   []float64
	LFCMean   []float64
	LFCMedian []float64
	LFCStd    []float64
	Delta     float64
}

// GetBayesFactors compares two cell populations given as boolean masks.
func (dc *DifferentialComputation) GetBayesFactors(mask1, mask2 []bool, opts *BayesFactorOptions) (*BayesFactorResult, error) {
	if opts == nil {
		opts = &BayesFactorOptions{Mode: ModeVanilla}
	}
	idx1 := maskToIndices(mask1)
	idx2 := maskToIndices(mask2)
	if len(idx1) == 0 || len(idx2) == 0 {
		return nil, fmt.Errorf("one of the resolved populations is empty (%d and %d cells)",
			len(idx1), len(idx2))
	}

	scales1, err := dc.sampleScales(idx1, opts.BatchID1, opts.UseObservedBatches)
	if err != nil {
		return nil, fmt.Errorf("sampling population 1: %w", err)
	}
	scales2, err := dc.sampleScales(idx2, opts.BatchID2, opts.UseObservedBatches)
	if err != nil {
		return nil, fmt.Errorf("sampling population 2: %w", err)
	}

	n1, genes := scales1.Dims()
	n2, g2 := scales2.Dims()
	if genes != g2 {
		return nil, fmt.Errorf("population scale matrices disagree on gene count: %d vs %d", genes, g2)
	}

	res := &BayesFactorResult{
		Mode:        opts.Mode,
		BayesFactor: make([]float64, genes),
		ProbaM1:     make([]float64, genes),
		ProbaM2:     make([]float64, genes),
		Scale1:      make([]float64, genes),
		Scale2:      make([]float64, genes),
	}
	for g := 0; g < genes; g++ {
		res.Scale1[g] = stat.Mean(mat.Col(nil, g, scales1), nil)
		res.Scale2[g] = stat.Mean(mat.Col(nil, g, scales2), nil)
	}

	m := dc.MPermutations
	switch opts.Mode {
	case ModeVanilla:
		hits := make([]float64, genes)
		for p := 0; p < m; p++ {
			i := dc.rng.Intn(n1)
			j := dc.rng.Intn(n2)
			for g := 0; g < genes; g++ {
				if scales1.At(i, g) > scales2.At(j, g) {
					hits[g]++
				}
			}
		}
		for g := 0; g < genes; g++ {
			p1 := hits[g] / float64(m)
			res.ProbaM1[g] = p1
			res.ProbaM2[g] = 1.0 - p1
			res.BayesFactor[g] = math.Log(p1+bayesEps) - math.Log(1.0-p1+bayesEps)
		}
	case ModeChange:
		res.ProbaDE = make([]float64, genes)
		res.LFCMean = make([]float64, genes)
		res.LFCMedian = make([]float64, genes)
		res.LFCStd = make([]float64, genes)
		res.Delta = opts.Delta

		lfcs := make([][]float64, genes)
		for g := range lfcs {
			lfcs[g] = make([]float64, m)
		}
		for p := 0; p < m; p++ {
			i := dc.rng.Intn(n1)
			j := dc.rng.Intn(n2)
			for g := 0; g < genes; g++ {
				lfc := math.Log2(scales1.At(i, g)+bayesEps) - math.Log2(scales2.At(j, g)+bayesEps)
				lfcs[g][p] = lfc
			}
		}
		for g := 0; g < genes; g++ {
			exceed := 0.0
			for _, v := range lfcs[g] {
				if math.Abs(v) >= opts.Delta {
					exceed++
				}
			}
			pDE := exceed / float64(m)
			res.ProbaDE[g] = pDE
			res.BayesFactor[g] = math.Log(pDE+bayesEps) - math.Log(1.0-pDE+bayesEps)
			res.LFCMean[g] = stat.Mean(lfcs[g], nil)
			res.LFCStd[g] = math.Sqrt(stat.Variance(lfcs[g], nil))
			res.LFCMedian[g] = median(lfcs[g])
		}
	default:
		return nil, fmt.Errorf("unknown differential expression mode %q", opts.Mode)
	}
	return res, nil
}

// sampleScales pools posterior scale draws for a population. Under batch
// correction each requested counterfactual batch contributes a block of
// draws; under observed batches a single pass decodes every cell under
// its own batch.
func (dc *DifferentialComputation) sampleScales(cellIndices, batchIDs []int, useObserved bool) (*mat.Dense, error) {
	if useObserved || len(batchIDs) == 0 {
		return dc.sampler(cellIndices, nil, dc.NSamples)
	}
	var blocks []*mat.Dense
	for _, b := range batchIDs {
		batch := b
		block, err := dc.sampler(cellIndices, &batch, dc.NSamples)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return stackRows(blocks)
}

func stackRows(blocks []*mat.Dense) (*mat.Dense, error) {
	if len(blocks) == 1 {
		return blocks[0], nil
	}
	total := 0
	_, cols := blocks[0].Dims()
	for _, b := range blocks {
		r, c := b.Dims()
		if c != cols {
			return nil, fmt.Errorf("scale blocks disagree on gene count: %d vs %d", cols, c)
		}
		total += r
	}
	out := mat.NewDense(total, cols, nil)
	row := 0
	for _, b := range blocks {
		r, _ := b.Dims()
		for i := 0; i < r; i++ {
			out.SetRow(row, b.RawRowView(i))
			row++
		}
	}
	return out, nil
}

func maskToIndices(mask []bool) []int {
	var idx []int
	for i, m := range mask {
		if m {
			idx = append(idx, i)
		}
	}
	return idx
}

func median(values []float64) float64 {
	tmp := make([]float64, len(values))
	copy(tmp, values)
	sort.Float64s(tmp)
	return stat.Quantile(0.5, stat.Empirical, tmp, nil)
}
