package train

// MetricSeries is one logged metric: parallel slices of epoch index and
// value.
type MetricSeries struct {
	Index  []int
	Values []float64
}

// Clone returns a deep copy of the series.
func (s *MetricSeries) Clone() *MetricSeries {
	out := &MetricSeries{
		Index:  make([]int, len(s.Index)),
		Values: make([]float64, len(s.Values)),
	}
	copy(out.Index, s.Index)
	copy(out.Values, s.Values)
	return out
}

// History maps metric names to their logged series.
type History map[string]*MetricSeries

// Clone returns a deep copy of the history.
func (h History) Clone() History {
	out := make(History, len(h))
	for name, series := range h {
		out[name] = series.Clone()
	}
	return out
}

// Merge appends a newer history onto this one. Indices of the incoming
// series continue from the existing length, so a second fit extends the
// epoch axis instead of restarting it.
func (h History) Merge(newer History) {
	for name, series := range newer {
		prev, ok := h[name]
		if !ok {
			h[name] = series.Clone()
			continue
		}
		offset := len(prev.Index)
		for i, v := range series.Values {
			prev.Index = append(prev.Index, offset+i)
			prev.Values = append(prev.Values, v)
		}
	}
}
