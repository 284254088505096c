package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"histonet/internal/tensor"
)

const (
	MethodPCA  = "pca"
	MethodTSNE = "tsne"

	// tsneInitialDims caps the PCA pre-reduction ahead of t-SNE.
	tsneInitialDims = 20
	// tsneSampleRows caps the pixels embedded by t-SNE. Remaining pixels
	// take the embedding of their nearest sampled pixel.
	tsneSampleRows = 1000
)

var ErrNotImplemented = errors.New("dimensionality reduction method not implemented")

// DimRed projects the channels of a [N, C, H, W] batch to components
// channels. PCA output is clipped to its 1% quantiles and normalized per
// channel; t-SNE output is rescaled to [0, 1] per component.
func DimRed(batch *tensor.Tensor, method string, components int) (*tensor.Tensor, error) {
	if batch.Rank() != 4 {
		return nil, fmt.Errorf("dimensionality reduction expects a [N, C, H, W] batch, got %v", batch.Shape())
	}
	n, h, w := batch.Dim(0), batch.Dim(2), batch.Dim(3)
	values, rows, cols := pixelMatrix(batch)
	if rows == 0 {
		return nil, fmt.Errorf("cannot reduce an empty batch %v", batch.Shape())
	}
	x := mat.NewDense(rows, cols, values)

	switch method {
	case MethodPCA:
		proj, err := PCA(x, components)
		if err != nil {
			return nil, err
		}
		clipped, err := ClipTensor(fromPixelMatrix(proj.RawMatrix().Data, n, components, h, w), Q(0.01))
		if err != nil {
			return nil, err
		}
		return Normalize(clipped)
	case MethodTSNE:
		initial := min(tsneInitialDims, cols, rows)
		pre, err := PCA(x, initial)
		if err != nil {
			return nil, err
		}
		embedded, err := embedSampled(pre, components, tsneSampleRows, DefaultTSNEOptions())
		if err != nil {
			return nil, err
		}
		uniformize(embedded)
		return fromPixelMatrix(embedded.RawMatrix().Data, n, components, h, w), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, method)
	}
}

// embedSampled runs t-SNE on at most limit evenly strided rows of x and
// assigns every other row the embedding of its nearest sampled row.
func embedSampled(x *mat.Dense, dims, limit int, opts TSNEOptions) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if rows <= limit {
		return TSNE(x, dims, opts)
	}
	sampled := make([]int, limit)
	sample := mat.NewDense(limit, cols, nil)
	for i := range sampled {
		sampled[i] = i * rows / limit
		sample.SetRow(i, x.RawRowView(sampled[i]))
	}
	embedded, err := TSNE(sample, dims, opts)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(rows, dims, nil)
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		best, bestDist := 0, math.Inf(1)
		for s := 0; s < limit; s++ {
			d := floats.Distance(row, sample.RawRowView(s), 2)
			if d < bestDist {
				best, bestDist = s, d
			}
		}
		out.SetRow(i, embedded.RawRowView(best))
	}
	return out, nil
}

// PCA returns the scores of the centered rows of x on its first k
// principal components.
func PCA(x *mat.Dense, k int) (*mat.Dense, error) {
	r, c := x.Dims()
	if k <= 0 || k > c || k > r {
		return nil, fmt.Errorf("cannot extract %d principal components from a %dx%d matrix", k, r, c)
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	centered := mat.DenseCopyOf(x)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		mean := stat.Mean(col, nil)
		for i := 0; i < r; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}

	proj := mat.NewDense(r, k, nil)
	proj.Mul(centered, vecs.Slice(0, c, 0, k))
	return proj, nil
}

// uniformize rescales every column of m to [0, 1] in place.
func uniformize(m *mat.Dense) {
	r, c := m.Dims()
	for j := 0; j < c; j++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := 0; i < r; i++ {
			lo = math.Min(lo, m.At(i, j))
			hi = math.Max(hi, m.At(i, j))
		}
		for i := 0; i < r; i++ {
			if hi == lo {
				m.Set(i, j, 0)
				continue
			}
			m.Set(i, j, (m.At(i, j)-lo)/(hi-lo))
		}
	}
}
