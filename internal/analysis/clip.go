package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"histonet/internal/tensor"
)

var ErrInvalidQuantile = errors.New("invalid quantile")

// Quantiles selects the clipping range. A single value q clips to the
// [q, 1-q] quantiles; a pair gives the lower and upper quantile directly.
type Quantiles []float64

// Q clips symmetrically to the [q, 1-q] quantiles.
func Q(q float64) Quantiles { return Quantiles{q} }

func QRange(lo, hi float64) Quantiles { return Quantiles{lo, hi} }

// Bounds resolves q to a lower and upper quantile.
func (q Quantiles) Bounds() (float64, float64, error) {
	var lo, hi float64
	switch len(q) {
	case 1:
		lo, hi = q[0], 1-q[0]
	case 2:
		lo, hi = q[0], q[1]
	default:
		return 0, 0, fmt.Errorf("%w: want a single quantile or a (min, max) pair, got %d values", ErrInvalidQuantile, len(q))
	}
	for _, v := range []float64{lo, hi} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return 0, 0, fmt.Errorf("%w: %v is outside [0, 1]", ErrInvalidQuantile, v)
		}
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("%w: lower quantile %v exceeds upper quantile %v", ErrInvalidQuantile, lo, hi)
	}
	return lo, hi, nil
}

// Quantile returns the p-quantile of sorted using linear interpolation
// between the closest ranks.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Clip returns a copy of values limited to the range spanned by the
// quantiles q of values.
func Clip(values []float64, q Quantiles) ([]float64, error) {
	lo, hi, err := q.Bounds()
	if err != nil {
		return nil, err
	}
	out := append([]float64(nil), values...)
	if len(out) == 0 {
		return out, nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	minV, maxV := Quantile(sorted, lo), Quantile(sorted, hi)
	for i, v := range out {
		switch {
		case v < minV:
			out[i] = minV
		case v > maxV:
			out[i] = maxV
		}
	}
	return out, nil
}

// ClipTensor clips every element of t against the quantiles of all its
// elements.
func ClipTensor(t *tensor.Tensor, q Quantiles) (*tensor.Tensor, error) {
	clipped, err := Clip(t.Data(), q)
	if err != nil {
		return nil, err
	}
	return tensor.New(t.Shape(), clipped)
}
