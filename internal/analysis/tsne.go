package analysis

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type TSNEOptions struct {
	Perplexity   float64
	Iterations   int
	LearningRate float64 // zero selects max(n/exaggeration/4, 50)
	Seed         uint64
}

func DefaultTSNEOptions() TSNEOptions {
	return TSNEOptions{Perplexity: 30, Iterations: 1000, Seed: 1}
}

// MaxTSNERows bounds the rows TSNE accepts. Its pair buffers hold n*n
// values.
const MaxTSNERows = 2000

var ErrTooManyRows = errors.New("too many rows for exact t-SNE")

const (
	exaggeration      = 4.0
	exaggerationIters = 100
	momentumSwitch    = 250
	perplexityTol     = 1e-5
	perplexitySteps   = 50
)

// TSNE embeds the rows of x in dims dimensions with exact t-SNE. Memory
// and time grow quadratically with the number of rows.
func TSNE(x *mat.Dense, dims int, opts TSNEOptions) (*mat.Dense, error) {
	n, _ := x.Dims()
	if dims <= 0 {
		return nil, fmt.Errorf("t-SNE needs a positive output dimension, got %d", dims)
	}
	if opts.Iterations <= 0 || opts.LearningRate < 0 || opts.Perplexity <= 0 {
		return nil, fmt.Errorf("t-SNE options must be positive: %+v", opts)
	}
	if n > MaxTSNERows {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, n, MaxTSNERows)
	}
	rate := opts.LearningRate
	if rate == 0 {
		rate = math.Max(float64(n)/exaggeration/4, 50)
	}
	y := mat.NewDense(n, dims, nil)
	if n < 2 {
		return y, nil
	}
	perplexity := math.Min(opts.Perplexity, float64(n-1)/3)
	if perplexity < 1 {
		perplexity = 1
	}

	p := jointProbabilities(squaredDistances(x), perplexity)

	rng := rand.New(rand.NewPCG(opts.Seed, uint64(n)))
	yd := y.RawMatrix().Data
	for i := range yd {
		yd[i] = rng.NormFloat64() * 1e-4
	}
	update := make([]float64, n*dims)
	gains := make([]float64, n*dims)
	for i := range gains {
		gains[i] = 1
	}
	grad := make([]float64, n*dims)
	num := make([]float64, n*n)

	for iter := 0; iter < opts.Iterations; iter++ {
		scale := 1.0
		if iter < exaggerationIters {
			scale = exaggeration
		}
		momentum := 0.5
		if iter >= momentumSwitch {
			momentum = 0.8
		}

		var sumNum float64
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				var d float64
				for k := 0; k < dims; k++ {
					diff := yd[i*dims+k] - yd[j*dims+k]
					d += diff * diff
				}
				v := 1 / (1 + d)
				num[i*n+j], num[j*n+i] = v, v
				sumNum += 2 * v
			}
		}

		for i := range grad {
			grad[i] = 0
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				q := math.Max(num[i*n+j]/sumNum, 1e-12)
				f := 4 * (scale*p[i*n+j] - q) * num[i*n+j]
				for k := 0; k < dims; k++ {
					grad[i*dims+k] += f * (yd[i*dims+k] - yd[j*dims+k])
				}
			}
		}

		for i := range yd {
			if update[i]*grad[i] < 0 {
				gains[i] += 0.2
			} else {
				gains[i] *= 0.8
			}
			gains[i] = math.Max(gains[i], 0.01)
			update[i] = momentum*update[i] - rate*gains[i]*grad[i]
			yd[i] += update[i]
		}
		center(yd, n, dims)
	}
	return y, nil
}

func squaredDistances(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n*n)
	for i := 0; i < n; i++ {
		ri := x.RawRowView(i)
		for j := i + 1; j < n; j++ {
			dist := floats.Distance(ri, x.RawRowView(j), 2)
			d[i*n+j], d[j*n+i] = dist*dist, dist*dist
		}
	}
	return d
}

// jointProbabilities calibrates a Gaussian per row to the perplexity and
// returns the symmetrized affinities.
func jointProbabilities(d []float64, perplexity float64) []float64 {
	n := int(math.Sqrt(float64(len(d))))
	p := make([]float64, n*n)
	target := math.Log(perplexity)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		beta, lo, hi := 1.0, math.Inf(-1), math.Inf(1)
		for step := 0; step < perplexitySteps; step++ {
			var sum, weighted float64
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				row[j] = math.Exp(-d[i*n+j] * beta)
				sum += row[j]
				weighted += d[i*n+j] * row[j]
			}
			if sum == 0 {
				sum = math.SmallestNonzeroFloat64
			}
			entropy := math.Log(sum) + beta*weighted/sum
			for j := range row {
				row[j] /= sum
			}
			diff := entropy - target
			if math.Abs(diff) < perplexityTol {
				break
			}
			if diff > 0 {
				lo = beta
				if math.IsInf(hi, 1) {
					beta *= 2
				} else {
					beta = (beta + hi) / 2
				}
			} else {
				hi = beta
				if math.IsInf(lo, -1) {
					beta /= 2
				} else {
					beta = (beta + lo) / 2
				}
			}
		}
		copy(p[i*n:(i+1)*n], row)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := math.Max((p[i*n+j]+p[j*n+i])/(2*float64(n)), 1e-12)
			p[i*n+j], p[j*n+i] = v, v
		}
	}
	return p
}

func center(y []float64, n, dims int) {
	for k := 0; k < dims; k++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += y[i*dims+k]
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			y[i*dims+k] -= mean
		}
	}
}
