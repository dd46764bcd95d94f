package de

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// Row is one gene's entry in a differential expression table.
type Row struct {
	Gene string
	// Score is the column the table is ranked by: proba_de in change
	// mode, bayes_factor in vanilla mode.
	Score  float64
	Values map[string]float64

	// IsDE marks an FDR-controlled discovery; HasFDR distinguishes an
	// unset flag from a negative call.
	IsDE   bool
	HasFDR bool

	// Comparison labels, populated for group-based runs only.
	Comparison string
	Group1     string
	Group2     string
}

// Result is a ranked differential expression table, the concatenation of
// every group comparison in one run.
type Result struct {
	Mode Mode
	FDR  float64
	Rows []Row
}

// Len returns the number of rows.
func (r *Result) Len() int { return len(r.Rows) }

// Genes returns the gene names in table order.
func (r *Result) Genes() []string {
	out := make([]string, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Gene
	}
	return out
}

// Column extracts a named value column in table order.
func (r *Result) Column(name string) ([]float64, error) {
	out := make([]float64, len(r.Rows))
	for i, row := range r.Rows {
		v, ok := row.Values[name]
		if !ok {
			return nil, fmt.Errorf("result has no column %q", name)
		}
		out[i] = v
	}
	return out, nil
}

// Discoveries returns the genes flagged as differentially expressed at
// the run's FDR target. Only change-mode results carry flags.
func (r *Result) Discoveries() []string {
	var out []string
	for _, row := range r.Rows {
		if row.HasFDR && row.IsDE {
			out = append(out, row.Gene)
		}
	}
	return out
}

// columnOrder fixes the rendering order of the value columns.
var columnOrder = []string{
	"proba_de", "bayes_factor", "proba_m1", "proba_m2",
	"lfc_mean", "lfc_median", "lfc_std", "delta",
	"scale1", "scale2",
	"raw_mean1", "raw_mean2", "non_zeros_proportion1", "non_zeros_proportion2",
}

// Render writes the table, truncated to the top maxRows rows (0 renders
// everything).
func (r *Result) Render(w io.Writer, maxRows int) {
	if len(r.Rows) == 0 {
		fmt.Fprintln(w, "empty differential expression result")
		return
	}
	cols := r.presentColumns()

	header := []string{"gene"}
	header = append(header, cols...)
	if r.Rows[0].HasFDR {
		header = append(header, fmt.Sprintf("is_de_fdr_%g", r.FDR))
	}
	if r.Rows[0].Comparison != "" {
		header = append(header, "comparison")
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)

	n := len(r.Rows)
	if maxRows > 0 && maxRows < n {
		n = maxRows
	}
	for _, row := range r.Rows[:n] {
		cells := []string{row.Gene}
		for _, c := range cols {
			cells = append(cells, strconv.FormatFloat(row.Values[c], 'g', 4, 64))
		}
		if row.HasFDR {
			cells = append(cells, strconv.FormatBool(row.IsDE))
		}
		if row.Comparison != "" {
			cells = append(cells, row.Comparison)
		}
		table.Append(cells)
	}
	table.Render()
}

// presentColumns returns the value columns of the first row, in fixed
// order first and any extras alphabetically after.
func (r *Result) presentColumns() []string {
	present := make(map[string]bool, len(r.Rows[0].Values))
	for name := range r.Rows[0].Values {
		present[name] = true
	}
	var cols []string
	for _, name := range columnOrder {
		if present[name] {
			cols = append(cols, name)
			delete(present, name)
		}
	}
	var extras []string
	for name := range present {
		extras = append(extras, name)
	}
	sort.Strings(extras)
	return append(cols, extras...)
}
