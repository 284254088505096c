package tensor

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Device names the memory space a tensor lives in, e.g. "cpu" or "cuda:0".
type Device string

const CPU Device = "cpu"

// Tensor is a dense row-major float64 array tagged with the device it was
// placed on.
type Tensor struct {
	shape  []int
	data   []float64
	device Device
}

func New(shape []int, data []float64) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data, device: CPU}, nil
}

func Zeros(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, n), device: CPU}
}

// FromSlice converts integer or float values into a tensor of the given shape.
func FromSlice[T constraints.Integer | constraints.Float](shape []int, values []T) (*Tensor, error) {
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return New(shape, data)
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Dim(axis int) int {
	return t.shape[axis]
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Data exposes the backing slice; writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

func (t *Tensor) Device() Device {
	if t.device == "" {
		return CPU
	}
	return t.device
}

// To returns the tensor placed on dev. A tensor already on dev is returned
// as is, so placement is idempotent.
func (t *Tensor) To(dev Device) *Tensor {
	if dev == "" || dev == t.Device() {
		return t
	}
	out := t.Clone()
	out.device = dev
	return out
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:  append([]int(nil), t.shape...),
		data:   append([]float64(nil), t.data...),
		device: t.device,
	}
}

func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.data) {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.shape, shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data, device: t.device}, nil
}

func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Ints truncates every element towards zero.
func (t *Tensor) Ints() []int {
	out := make([]int, len(t.data))
	for i, v := range t.data {
		out[i] = int(v)
	}
	return out
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.shape))
	for i, d := range t.shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("Tensor[%s](%s)", strings.Join(dims, "x"), t.Device())
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor index rank %d does not match shape %v", len(idx), t.shape))
	}
	off := 0
	for axis, i := range idx {
		if i < 0 || i >= t.shape[axis] {
			panic(fmt.Sprintf("tensor index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[axis] + i
	}
	return off
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = acc
		acc *= shape[i]
	}
	return out
}
