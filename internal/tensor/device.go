package tensor

import (
	"errors"
	"fmt"
	"sort"
)

var ErrDeviceNotFound = errors.New("device not found")

// ToDevice places every tensor reachable through nested slices and string
// maps on dev. Leaves that are not tensors are returned unchanged.
func ToDevice(v any, dev Device) any {
	switch x := v.(type) {
	case *Tensor:
		if x == nil {
			return x
		}
		return x.To(dev)
	case []*Tensor:
		out := make([]*Tensor, len(x))
		for i, t := range x {
			if t != nil {
				t = t.To(dev)
			}
			out[i] = t
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, y := range x {
			out[i] = ToDevice(y, dev)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, y := range x {
			out[k] = ToDevice(y, dev)
		}
		return out
	default:
		return v
	}
}

// FindDevice returns the device of the first tensor found depth-first.
// Map values are visited in key order.
func FindDevice(v any) (Device, bool) {
	switch x := v.(type) {
	case *Tensor:
		if x == nil {
			return "", false
		}
		return x.Device(), true
	case []*Tensor:
		for _, t := range x {
			if t != nil {
				return t.Device(), true
			}
		}
	case []any:
		for _, y := range x {
			if dev, ok := FindDevice(y); ok {
				return dev, true
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if dev, ok := FindDevice(x[k]); ok {
				return dev, true
			}
		}
	}
	return "", false
}

func MustFindDevice(v any) (Device, error) {
	dev, ok := FindDevice(v)
	if !ok {
		return "", fmt.Errorf("%w: no tensor reachable from %T", ErrDeviceNotFound, v)
	}
	return dev, nil
}
