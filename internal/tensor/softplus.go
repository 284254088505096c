package tensor

import "math"

func Softplus(x float64) float64 {
	if x > 30 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

// ISoftplus is the inverse of Softplus, log(exp(x) - 1). It is not guarded:
// x < 0 yields NaN, x == 0 yields -Inf and x above ~709.78 overflows exp to
// +Inf. Results are reliable for 0 < x <= 700.
func ISoftplus(x float64) float64 {
	return math.Log(math.Expm1(x))
}

func ISoftplusTensor(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = ISoftplus(v)
	}
	return out
}

func SoftplusTensor(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = Softplus(v)
	}
	return out
}
