package analysis

import (
	"fmt"
	"math"

	"histonet/internal/tensor"
)

// Normalize rescales each channel of a [N, C, H, W] batch to [0, 1] using
// the minimum and maximum of that channel over the whole batch. Constant
// channels map to 0.
func Normalize(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if batch.Rank() != 4 {
		return nil, fmt.Errorf("normalize expects a [N, C, H, W] batch, got %v", batch.Shape())
	}
	n, c, h, w := batch.Dim(0), batch.Dim(1), batch.Dim(2), batch.Dim(3)
	out := batch.Clone()
	data := out.Data()
	plane := h * w
	for ch := 0; ch < c; ch++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for _, v := range data[base : base+plane] {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
		}
		span := hi - lo
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				if span == 0 {
					data[i] = 0
					continue
				}
				data[i] = (data[i] - lo) / span
			}
		}
	}
	return out, nil
}

// pixelMatrix lays a [N, C, H, W] batch out as one row per pixel and one
// column per channel, pixels ordered by batch, row and column.
func pixelMatrix(batch *tensor.Tensor) ([]float64, int, int) {
	n, c, h, w := batch.Dim(0), batch.Dim(1), batch.Dim(2), batch.Dim(3)
	src := batch.Data()
	plane := h * w
	rows := n * plane
	out := make([]float64, rows*c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * plane
			for p := 0; p < plane; p++ {
				out[(b*plane+p)*c+ch] = src[base+p]
			}
		}
	}
	return out, rows, c
}

// fromPixelMatrix is the inverse of pixelMatrix for k columns.
func fromPixelMatrix(values []float64, n, k, h, w int) *tensor.Tensor {
	out := tensor.Zeros(n, k, h, w)
	dst := out.Data()
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < k; ch++ {
			base := (b*k + ch) * plane
			for p := 0; p < plane; p++ {
				dst[base+p] = values[(b*plane+p)*k+ch]
			}
		}
	}
	return out
}
