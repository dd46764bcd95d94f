package de

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SummaryStatsFn computes extra per-gene columns for two cell
// populations given as boolean masks. Each returned slice must have one
// entry per gene.
type SummaryStatsFn func(mask1, mask2 []bool) (map[string][]float64, error)

// RawSummaryStats builds a SummaryStatsFn over a raw (cells × genes)
// count matrix: per-population mean expression and the proportion of
// cells with nonzero counts.
func RawSummaryStats(counts *mat.Dense) SummaryStatsFn {
	return func(mask1, mask2 []bool) (map[string][]float64, error) {
		rows, genes := counts.Dims()
		if len(mask1) != rows || len(mask2) != rows {
			return nil, fmt.Errorf("population masks have %d and %d entries for %d cells",
				len(mask1), len(mask2), rows)
		}
		mean1, nz1 := populationStats(counts, mask1, genes)
		mean2, nz2 := populationStats(counts, mask2, genes)
		return map[string][]float64{
			"raw_mean1":             mean1,
			"raw_mean2":             mean2,
			"non_zeros_proportion1": nz1,
			"non_zeros_proportion2": nz2,
		}, nil
	}
}

func populationStats(counts *mat.Dense, mask []bool, genes int) (means, nonZeros []float64) {
	means = make([]float64, genes)
	nonZeros = make([]float64, genes)
	n := 0
	for i, in := range mask {
		if !in {
			continue
		}
		n++
		for g := 0; g < genes; g++ {
			v := counts.At(i, g)
			means[g] += v
			if v != 0 {
				nonZeros[g]++
			}
		}
	}
	if n == 0 {
		return means, nonZeros
	}
	for g := 0; g < genes; g++ {
		means[g] /= float64(n)
		nonZeros[g] /= float64(n)
	}
	return means, nonZeros
}
