// Package de implements the differential expression engine: Monte-Carlo
// Bayes factors between cell populations, change-mode posterior
// probabilities with minimum effect sizes, and FDR-controlled discovery
// sets.
package de

import (
	"fmt"
	"sort"
	"strings"
)

// ObsTable is a per-cell annotation table: named string columns of equal
// length supporting assignment, deletion, and mask queries. It is the
// narrow surface the DE engine needs from a cell-metadata store.
type ObsTable struct {
	nRows int
	order []string
	cols  map[string][]string
}

// NewObsTable creates an annotation table for the given number of cells
func NewObsTable(nRows int) *ObsTable {
	return &ObsTable{nRows: nRows, cols: make(map[string][]string)}
}

// NRows returns the number of cells
func (t *ObsTable) NRows() int { return t.nRows }

// Columns returns the column names in insertion order
func (t *ObsTable) Columns() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// HasColumn reports whether the named column exists
func (t *ObsTable) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// SetColumn assigns a column, creating or replacing it
func (t *ObsTable) SetColumn(name string, values []string) error {
	if len(values) != t.nRows {
		return fmt.Errorf("column %q has %d values for %d cells", name, len(values), t.nRows)
	}
	if _, ok := t.cols[name]; !ok {
		t.order = append(t.order, name)
	}
	col := make([]string, t.nRows)
	copy(col, values)
	t.cols[name] = col
	return nil
}

// Column returns the named column
func (t *ObsTable) Column(name string) ([]string, error) {
	col, ok := t.cols[name]
	if !ok {
		return nil, fmt.Errorf("obs table has no column %q", name)
	}
	return col, nil
}

// DeleteColumn removes a column; deleting a missing column is a no-op
func (t *ObsTable) DeleteColumn(name string) {
	if _, ok := t.cols[name]; !ok {
		return
	}
	delete(t.cols, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Categories returns the sorted distinct values of a column
func (t *ObsTable) Categories(name string) ([]string, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var cats []string
	for _, v := range col {
		if !seen[v] {
			seen[v] = true
			cats = append(cats, v)
		}
	}
	sort.Strings(cats)
	return cats, nil
}

// EqualMask returns a boolean mask marking cells whose column equals value
func (t *ObsTable) EqualMask(name, value string) ([]bool, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, t.nRows)
	for i, v := range col {
		mask[i] = v == value
	}
	return mask, nil
}

// Query evaluates a simple mask expression of the form
//
//	column == 'value'    or    column != 'value'
//
// against the table. Values may be quoted with single or double quotes.
func (t *ObsTable) Query(expr string) ([]bool, error) {
	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	default:
		return nil, fmt.Errorf("unsupported query expression %q", expr)
	}
	parts := strings.SplitN(expr, op, 2)
	col := strings.TrimSpace(parts[0])
	val := strings.TrimSpace(parts[1])
	val = strings.Trim(val, `'"`)

	mask, err := t.EqualMask(col, val)
	if err != nil {
		return nil, err
	}
	if op == "!=" {
		for i := range mask {
			mask[i] = !mask[i]
		}
	}
	return mask, nil
}
