package de

import (
	"fmt"
	"sort"
)

// tempGroupKey is the synthetic grouping column injected for mask-based
// population specifications. It exists only for the duration of one call.
const tempGroupKey = "_countvi_temp_de"

// Mask specifies a cell population: a []bool mask over cells, a []int
// list of cell indices, or a query string evaluated against the obs
// table.
type Mask interface{}

// Request describes one differential expression run.
type Request struct {
	// GroupBy names the categorical obs column defining the groups.
	GroupBy string
	// Group1 lists the first-group labels; nil compares every category
	// against the rest.
	Group1 []string
	// Group2 names the reference group; empty means the complement.
	Group2 string
	// Idx1/Idx2 specify populations directly (mutually exclusive with
	// GroupBy/Group1/Group2).
	Idx1 Mask
	Idx2 Mask

	Mode  Mode
	Delta float64
	FDR   float64

	BatchID1        []int
	BatchID2        []int
	BatchCorrection bool

	// AllStats attaches per-gene summary statistics via StatsFn.
	AllStats bool
	StatsFn  SummaryStatsFn

	// Silent disables progress reporting.
	Silent bool
}

// Run executes the DE analysis for every requested group comparison and
// concatenates the per-group tables. Either the full result is returned
// or an error before any result.
func (dc *DifferentialComputation) Run(obs *ObsTable, geneNames []string, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeVanilla
	}

	groupBy := req.GroupBy
	group1 := req.Group1
	group2 := req.Group2
	maskBased := req.Idx1 != nil

	if group1 == nil && !maskBased {
		cats, err := obs.Categories(groupBy)
		if err != nil {
			return nil, err
		}
		if len(cats) == 1 {
			return nil, fmt.Errorf("only a single group in the data; can't run DE on a single group")
		}
		group1 = cats
	}

	if maskBased {
		obsCol, g1, g2, err := prepareObs(req.Idx1, req.Idx2, obs)
		if err != nil {
			return nil, err
		}
		if err := obs.SetColumn(tempGroupKey, obsCol); err != nil {
			return nil, err
		}
		// The synthetic column must not leak into subsequent calls,
		// whatever exit path this call takes.
		defer obs.DeleteColumn(tempGroupKey)
		groupBy = tempGroupKey
		group1 = g1
		group2 = g2
	}

	result := &Result{Mode: mode, FDR: req.FDR}
	for _, g1 := range group1 {
		if !req.Silent {
			dc.logger.WithField("group1", g1).Info("DE...")
		}
		cellMask1, err := obs.EqualMask(groupBy, g1)
		if err != nil {
			return nil, err
		}
		var cellMask2 []bool
		if group2 == "" {
			cellMask2 = complement(cellMask1)
		} else {
			cellMask2, err = obs.EqualMask(groupBy, group2)
			if err != nil {
				return nil, err
			}
		}

		info, err := dc.GetBayesFactors(cellMask1, cellMask2, &BayesFactorOptions{
			Mode:               mode,
			Delta:              req.Delta,
			BatchID1:           req.BatchID1,
			BatchID2:           req.BatchID2,
			UseObservedBatches: !req.BatchCorrection,
		})
		if err != nil {
			return nil, err
		}

		var extraStats map[string][]float64
		if req.AllStats && req.StatsFn != nil {
			extraStats, err = req.StatsFn(cellMask1, cellMask2)
			if err != nil {
				return nil, fmt.Errorf("summary statistics: %w", err)
			}
		}

		rows, err := buildGroupRows(geneNames, info, extraStats, req.FDR)
		if err != nil {
			return nil, err
		}
		if !maskBased {
			g2 := group2
			if g2 == "" {
				g2 = "Rest"
			}
			for i := range rows {
				rows[i].Comparison = fmt.Sprintf("%s vs %s", g1, g2)
				rows[i].Group1 = g1
				rows[i].Group2 = g2
			}
		}
		result.Rows = append(result.Rows, rows...)
	}
	return result, nil
}

// prepareObs translates explicit population masks into a synthetic
// grouping column. Fails when either resolved population is empty.
func prepareObs(idx1, idx2 Mask, obs *ObsTable) (col []string, group1 []string, group2 string, err error) {
	m1, err := resolveMask(idx1, obs)
	if err != nil {
		return nil, nil, "", err
	}
	col = make([]string, obs.NRows())
	for i := range col {
		col[i] = "None"
	}
	n1 := 0
	for i, v := range m1 {
		if v {
			col[i] = "one"
			n1++
		}
	}
	group1 = []string{"one"}

	n2 := -1
	if idx2 != nil {
		m2, err := resolveMask(idx2, obs)
		if err != nil {
			return nil, nil, "", err
		}
		n2 = 0
		for i, v := range m2 {
			if v {
				col[i] = "two"
				n2++
			}
		}
		group2 = "two"
	}
	if n1 == 0 || n2 == 0 {
		return nil, nil, "", fmt.Errorf("one of idx1 or idx2 has size zero")
	}
	return col, group1, group2, nil
}

// resolveMask converts any supported mask form into a boolean mask.
func resolveMask(m Mask, obs *ObsTable) ([]bool, error) {
	switch v := m.(type) {
	case []bool:
		if len(v) != obs.NRows() {
			return nil, fmt.Errorf("boolean mask has %d entries for %d cells", len(v), obs.NRows())
		}
		out := make([]bool, len(v))
		copy(out, v)
		return out, nil
	case []int:
		out := make([]bool, obs.NRows())
		for _, idx := range v {
			if idx < 0 || idx >= obs.NRows() {
				return nil, fmt.Errorf("cell index %d out of range [0, %d)", idx, obs.NRows())
			}
			out[idx] = true
		}
		return out, nil
	case string:
		return obs.Query(v)
	default:
		return nil, fmt.Errorf("unsupported mask type %T", m)
	}
}

// buildGroupRows assembles one group's rows, sorted descending by the
// mode's score column, with discovery flags in change mode.
func buildGroupRows(geneNames []string, info *BayesFactorResult, extraStats map[string][]float64, fdr float64) ([]Row, error) {
	nGenes := len(geneNames)
	if len(info.BayesFactor) != nGenes {
		return nil, fmt.Errorf("comparison produced %d gene scores for %d gene names",
			len(info.BayesFactor), nGenes)
	}

	rows := make([]Row, nGenes)
	for g := 0; g < nGenes; g++ {
		values := map[string]float64{
			"bayes_factor": info.BayesFactor[g],
			"proba_m1":     info.ProbaM1[g],
			"proba_m2":     info.ProbaM2[g],
			"scale1":       info.Scale1[g],
			"scale2":       info.Scale2[g],
		}
		if info.Mode == ModeChange {
			values["proba_de"] = info.ProbaDE[g]
			values["lfc_mean"] = info.LFCMean[g]
			values["lfc_median"] = info.LFCMedian[g]
			values["lfc_std"] = info.LFCStd[g]
			values["delta"] = info.Delta
		}
		for name, col := range extraStats {
			if len(col) != nGenes {
				return nil, fmt.Errorf("summary statistic %q has %d values for %d genes",
					name, len(col), nGenes)
			}
			values[name] = col[g]
		}
		score := info.BayesFactor[g]
		if info.Mode == ModeChange {
			score = info.ProbaDE[g]
		}
		rows[g] = Row{Gene: geneNames[g], Score: score, Values: values}
	}

	sort.SliceStable(rows, func(a, b int) bool { return rows[a].Score > rows[b].Score })

	if info.Mode == ModeChange {
		// Discovery flags are computed on the sorted probabilities and
		// stay attached to their genes.
		probas := make([]float64, nGenes)
		for i := range rows {
			probas[i] = rows[i].Values["proba_de"]
		}
		flags, err := fdrFlagsFromSlice(probas, fdr)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			rows[i].IsDE = flags[i]
			rows[i].HasFDR = true
		}
	}
	return rows, nil
}

func complement(mask []bool) []bool {
	out := make([]bool, len(mask))
	for i, v := range mask {
		out[i] = !v
	}
	return out
}
