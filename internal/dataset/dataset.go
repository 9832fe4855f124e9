// Package dataset loads the labeled historical login records the anomaly
// model is trained on
package dataset

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Reserved column names of the historical login log
const (
	ColumnIdentity  = "username"
	ColumnTimestamp = "timestamp"
	ColumnLabel     = "is_fraud"
)

// Source yields a complete dataset
type Source interface {
	Load(ctx context.Context) (*Dataset, error)
	// Describe names the source for logs
	Describe() string
}

// Dataset is a column-oriented table of numeric features plus the identity,
// timestamp and fraud label of every row. Column order is irrelevant:
// callers extract features by name in the order they need.
type Dataset struct {
	Columns    map[string][]float64
	Identities []string
	Timestamps []time.Time
	Labels     []bool
}

// New creates an empty dataset
func New() *Dataset {
	return &Dataset{Columns: make(map[string][]float64)}
}

// Rows returns the number of rows
func (d *Dataset) Rows() int {
	return len(d.Labels)
}

// ColumnNames returns the numeric column names, sorted
func (d *Dataset) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for n := range d.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasColumns reports whether every named column is present
func (d *Dataset) HasColumns(names ...string) bool {
	for _, n := range names {
		if _, ok := d.Columns[n]; !ok {
			return false
		}
	}
	return true
}

// Legitimate returns the rows not labeled fraudulent
func (d *Dataset) Legitimate() *Dataset {
	out := New()
	keep := make([]int, 0, d.Rows())
	for i, fraud := range d.Labels {
		if !fraud {
			keep = append(keep, i)
		}
	}

	for name, col := range d.Columns {
		filtered := make([]float64, len(keep))
		for j, i := range keep {
			filtered[j] = col[i]
		}
		out.Columns[name] = filtered
	}
	out.Labels = make([]bool, len(keep))
	if len(d.Identities) == d.Rows() {
		out.Identities = make([]string, len(keep))
	}
	if len(d.Timestamps) == d.Rows() {
		out.Timestamps = make([]time.Time, len(keep))
	}
	for j, i := range keep {
		if out.Identities != nil {
			out.Identities[j] = d.Identities[i]
		}
		if out.Timestamps != nil {
			out.Timestamps[j] = d.Timestamps[i]
		}
	}
	return out
}

// Matrix extracts rows with columns in exactly the given order. A missing
// column is an error; nothing is zero-filled.
func (d *Dataset) Matrix(names []string) ([][]float64, error) {
	cols := make([][]float64, len(names))
	for j, n := range names {
		col, ok := d.Columns[n]
		if !ok {
			return nil, fmt.Errorf("dataset has no column %q", n)
		}
		if len(col) != d.Rows() {
			return nil, fmt.Errorf("column %q has %d values for %d rows", n, len(col), d.Rows())
		}
		cols[j] = col
	}

	rows := make([][]float64, d.Rows())
	for i := range rows {
		row := make([]float64, len(names))
		for j := range names {
			row[j] = cols[j][i]
		}
		rows[i] = row
	}
	return rows, nil
}
