package tensor

import (
	"fmt"
	"math"
)

// Keep marks an axis that CenterCrop leaves at full extent.
const Keep = -1

// CenterCrop extracts the centered sub-array of the target shape. Axes past
// len(target) and axes set to Keep are not cropped. Offsets round half to
// even.
func CenterCrop(t *Tensor, target []int) (*Tensor, error) {
	if len(target) > t.Rank() {
		return nil, fmt.Errorf("crop rank %d exceeds tensor rank %d", len(target), t.Rank())
	}
	starts := make([]int, t.Rank())
	outShape := t.Shape()
	for axis, b := range target {
		a := t.shape[axis]
		if b == Keep {
			continue
		}
		if b < 0 || b > a {
			return nil, fmt.Errorf("crop size %d invalid for axis %d of size %d", b, axis, a)
		}
		starts[axis] = int(math.RoundToEven(float64(a-b) / 2))
		outShape[axis] = b
	}

	out := Zeros(outShape...)
	out.device = t.device
	if out.Len() == 0 {
		return out, nil
	}
	inStrides := strides(t.shape)
	idx := make([]int, len(outShape))
	for i := range out.data {
		off := 0
		for axis := range idx {
			off += (idx[axis] + starts[axis]) * inStrides[axis]
		}
		out.data[i] = t.data[off]
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < outShape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return out, nil
}
