package tensor

import "sync"

// Func is a forward segment over tensors.
type Func func(args ...*Tensor) []*Tensor

// Checkpointer runs a forward segment without retaining its intermediate
// activations, recomputing them when the backward pass needs them.
type Checkpointer interface {
	Checkpoint(fn Func, args ...*Tensor) []*Tensor
}

// Checkpoint runs fn directly in evaluation mode or when no checkpointer is
// configured, and through cp otherwise.
func Checkpoint(cp Checkpointer, eval bool, fn Func, args ...*Tensor) []*Tensor {
	if eval || cp == nil {
		return fn(args...)
	}
	return cp.Checkpoint(fn, args...)
}

// Segment is a recorded forward segment: only its inputs are kept.
type Segment struct {
	fn   Func
	args []*Tensor
}

// Replay reruns the segment on its recorded inputs.
func (s Segment) Replay() []*Tensor {
	return s.fn(s.args...)
}

// Recompute keeps the inputs of every checkpointed segment so a backward
// pass can replay it instead of reading stored activations.
type Recompute struct {
	mu       sync.Mutex
	segments []Segment
}

func NewRecompute() *Recompute {
	return &Recompute{}
}

func (r *Recompute) Checkpoint(fn Func, args ...*Tensor) []*Tensor {
	out := fn(args...)
	r.mu.Lock()
	r.segments = append(r.segments, Segment{fn: fn, args: append([]*Tensor(nil), args...)})
	r.mu.Unlock()
	return out
}

func (r *Recompute) Segments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Segment(nil), r.segments...)
}

// Reset drops recorded segments once their backward pass is done.
func (r *Recompute) Reset() {
	r.mu.Lock()
	r.segments = nil
	r.mu.Unlock()
}
