package dataset

import (
	"encoding/json"
	"fmt"
	"os"
)

// #region feature-table
// FeatureTable owns one modality's per-sample feature sequences. Row returns
// a [T][D] matrix; callers must not modify it.
type FeatureTable interface {
	Len() int
	Row(i int) [][]float64
}

// DenseTable is an in-memory FeatureTable.
type DenseTable struct {
	rows [][][]float64
}

// NewDenseTable wraps rows without copying.
func NewDenseTable(rows [][][]float64) *DenseTable {
	return &DenseTable{rows: rows}
}

func (t *DenseTable) Len() int              { return len(t.rows) }
func (t *DenseTable) Row(i int) [][]float64 { return t.rows[i] }

// concatTable presents two tables as one without copying.
type concatTable struct {
	head, tail FeatureTable
}

func (c concatTable) Len() int { return c.head.Len() + c.tail.Len() }

func (c concatTable) Row(i int) [][]float64 {
	if i < c.head.Len() {
		return c.head.Row(i)
	}
	return c.tail.Row(i - c.head.Len())
}

// LoadTables reads a JSON object mapping split names to [N][T][D] arrays.
func LoadTables(path string) (map[string]*DenseTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature file %s: %w", path, err)
	}
	var splits map[string][][][]float64
	if err := json.Unmarshal(raw, &splits); err != nil {
		return nil, fmt.Errorf("decode feature file %s: %w", path, err)
	}
	out := make(map[string]*DenseTable, len(splits))
	for name, rows := range splits {
		out[name] = NewDenseTable(rows)
	}
	return out, nil
}

// #endregion feature-table

func copyMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, r := range m {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
