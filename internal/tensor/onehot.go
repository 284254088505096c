package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// COO is a sparse matrix in coordinate format.
type COO struct {
	Rows, Cols int
	RowIdx     []int
	ColIdx     []int
	Values     []float64
}

func (m *COO) NNZ() int {
	return len(m.Values)
}

func (m *COO) At(i, j int) float64 {
	sum := 0.0
	for k := range m.Values {
		if m.RowIdx[k] == i && m.ColIdx[k] == j {
			sum += m.Values[k]
		}
	}
	return sum
}

// ToDense materializes the matrix. Empty matrices have no dense form.
func (m *COO) ToDense() *mat.Dense {
	if m.Rows == 0 || m.Cols == 0 {
		return nil
	}
	out := mat.NewDense(m.Rows, m.Cols, nil)
	for k, v := range m.Values {
		out.Set(m.RowIdx[k], m.ColIdx[k], out.At(m.RowIdx[k], m.ColIdx[k])+v)
	}
	return out
}

// SparseOneHot encodes labels as a len(labels) x numClasses sparse matrix.
// numClasses <= 0 infers max(labels)+1.
func SparseOneHot(labels []int, numClasses int) (*COO, error) {
	if numClasses <= 0 {
		if len(labels) == 0 {
			return nil, fmt.Errorf("cannot infer class count from empty labels")
		}
		maxLabel := labels[0]
		for _, l := range labels[1:] {
			if l > maxLabel {
				maxLabel = l
			}
		}
		numClasses = maxLabel + 1
	}
	out := &COO{
		Rows:   len(labels),
		Cols:   numClasses,
		RowIdx: make([]int, len(labels)),
		ColIdx: make([]int, len(labels)),
		Values: make([]float64, len(labels)),
	}
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("label %d at position %d outside [0, %d)", l, i, numClasses)
		}
		out.RowIdx[i] = i
		out.ColIdx[i] = l
		out.Values[i] = 1
	}
	return out, nil
}
