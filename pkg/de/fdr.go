package de

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/countvi/pkg/autodiff"
)

// FDRDEPrediction computes posterior-expected-FDR discovery flags. Genes
// are ranked by descending posterior probability of differential
// expression; the cumulative expected FDR at rank k is
// cumsum(1 - p) / (k + 1), and every gene up to the largest rank whose
// cumulative expected FDR stays within the target is flagged. The output
// preserves the input's original order.
func FDRDEPrediction(posteriorProbas *autodiff.Tensor, fdr float64) ([]bool, error) {
	if posteriorProbas == nil {
		return nil, fmt.Errorf("posterior probabilities cannot be nil")
	}
	if posteriorProbas.Rank() != 1 {
		return nil, fmt.Errorf("posterior probabilities should be 1-dimensional, got rank %d",
			posteriorProbas.Rank())
	}
	probas := posteriorProbas.Data
	n := len(probas)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return probas[order[a]] > probas[order[b]]
	})

	complement := make([]float64, n)
	for rank, idx := range order {
		complement[rank] = 1.0 - probas[idx]
	}
	cumulative := make([]float64, n)
	floats.CumSum(cumulative, complement)

	discoveries := 0
	for rank := 0; rank < n; rank++ {
		if cumulative[rank]/float64(rank+1) <= fdr {
			discoveries++
		}
	}

	flags := make([]bool, n)
	for rank := 0; rank < discoveries; rank++ {
		flags[order[rank]] = true
	}
	return flags, nil
}

// fdrFlagsFromSlice runs the FDR procedure on a plain probability slice.
func fdrFlagsFromSlice(probas []float64, fdr float64) ([]bool, error) {
	t := autodiff.MustNewTensorFrom(probas, []int{len(probas)}, nil)
	return FDRDEPrediction(t, fdr)
}
