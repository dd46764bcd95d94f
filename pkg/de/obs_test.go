package de

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleObs(t *testing.T) *ObsTable {
	t.Helper()
	obs := NewObsTable(5)
	require.NoError(t, obs.SetColumn("cell_type", []string{"B", "T", "B", "NK", "T"}))
	require.NoError(t, obs.SetColumn("batch", []string{"0", "0", "1", "1", "1"}))
	return obs
}

func TestObsTableColumns(t *testing.T) {
	obs := sampleObs(t)
	assert.Equal(t, []string{"cell_type", "batch"}, obs.Columns())
	assert.True(t, obs.HasColumn("batch"))
	assert.False(t, obs.HasColumn("donor"))

	_, err := obs.Column("donor")
	assert.Error(t, err)

	err = obs.SetColumn("short", []string{"a"})
	assert.Error(t, err)
}

func TestObsTableCategoriesSorted(t *testing.T) {
	obs := sampleObs(t)
	cats, err := obs.Categories("cell_type")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "NK", "T"}, cats)
}

func TestObsTableDeleteColumn(t *testing.T) {
	obs := sampleObs(t)
	obs.DeleteColumn("batch")
	assert.False(t, obs.HasColumn("batch"))
	assert.Equal(t, []string{"cell_type"}, obs.Columns())

	// Deleting a missing column is a no-op.
	obs.DeleteColumn("batch")
}

func TestObsTableQuery(t *testing.T) {
	obs := sampleObs(t)

	mask, err := obs.Query("cell_type == 'B'")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, false}, mask)

	neg, err := obs.Query(`cell_type != "B"`)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, true}, neg)

	_, err = obs.Query("cell_type > 'B'")
	assert.Error(t, err)

	_, err = obs.Query("donor == 'x'")
	assert.Error(t, err)
}

func TestObsTableSetColumnCopies(t *testing.T) {
	obs := NewObsTable(2)
	values := []string{"a", "b"}
	require.NoError(t, obs.SetColumn("col", values))
	values[0] = "mutated"
	col, err := obs.Column("col")
	require.NoError(t, err)
	assert.Equal(t, "a", col[0])
}
