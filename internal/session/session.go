package session

import (
	"go.uber.org/zap"

	"histonet/internal/tensor"
)

// Session carries the device and mode settings that model and data code
// would otherwise read from process-wide state. It is passed explicitly and
// never mutated after construction; use With to derive a scoped variant.
type Session struct {
	DefaultDevice tensor.Device
	Eval          bool
	Logger        *zap.Logger
	Checkpointer  tensor.Checkpointer
}

type Option func(*Session)

func WithDevice(dev tensor.Device) Option {
	return func(s *Session) { s.DefaultDevice = dev }
}

func WithEval(eval bool) Option {
	return func(s *Session) { s.Eval = eval }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.Logger = log }
}

func WithCheckpointer(cp tensor.Checkpointer) Option {
	return func(s *Session) { s.Checkpointer = cp }
}

func New(opts ...Option) *Session {
	s := &Session{
		DefaultDevice: tensor.CPU,
		Checkpointer:  tensor.NewRecompute(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.DefaultDevice == "" {
		s.DefaultDevice = tensor.CPU
	}
	return s
}

// With returns a copy of s with opts applied.
func (s *Session) With(opts ...Option) *Session {
	cp := *s
	for _, opt := range opts {
		opt(&cp)
	}
	if cp.Logger == nil {
		cp.Logger = zap.NewNop()
	}
	return &cp
}

// ToDevice places v on the session default device.
func (s *Session) ToDevice(v any) any {
	return tensor.ToDevice(v, s.DefaultDevice)
}

func (s *Session) Checkpoint(fn tensor.Func, args ...*tensor.Tensor) []*tensor.Tensor {
	return tensor.Checkpoint(s.Checkpointer, s.Eval, fn, args...)
}
