package analysis

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"histonet/internal/logging"
	"histonet/internal/tensor"
)

// Outputs are the maps a generative model produces for one image. Z, Mu,
// Sd, Rate and State are [1, C, H, W]; Rate has one channel per gene and
// Logit holds one value per gene.
type Outputs struct {
	Z     *tensor.Tensor
	Mu    *tensor.Tensor
	Sd    *tensor.Tensor
	Rate  *tensor.Tensor
	Logit *tensor.Tensor
	State *tensor.Tensor
}

func (o Outputs) Validate(genes int) error {
	named := []struct {
		name string
		t    *tensor.Tensor
	}{{"z", o.Z}, {"mu", o.Mu}, {"sd", o.Sd}, {"rate", o.Rate}, {"logit", o.Logit}, {"state", o.State}}
	for _, n := range named {
		if n.t == nil {
			return fmt.Errorf("model output %s is missing", n.name)
		}
	}
	for _, n := range named {
		if n.name == "logit" {
			continue
		}
		if n.t.Rank() != 4 || n.t.Dim(0) != 1 {
			return fmt.Errorf("model output %s must be [1, C, H, W], got %v", n.name, n.t.Shape())
		}
	}
	if !sameShape(o.Mu, o.Sd) {
		return fmt.Errorf("mu %v and sd %v differ in shape", o.Mu.Shape(), o.Sd.Shape())
	}
	if o.Rate.Dim(1) != genes {
		return fmt.Errorf("rate has %d channels for %d genes", o.Rate.Dim(1), genes)
	}
	if o.Logit.Len() != genes {
		return fmt.Errorf("logit has %d values for %d genes", o.Logit.Len(), genes)
	}
	return nil
}

func sameShape(a, b *tensor.Tensor) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Expression returns rate * exp(logit) per gene and its share of the total
// over genes at every pixel.
func Expression(rate, logit *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	n, g, h, w := rate.Dim(0), rate.Dim(1), rate.Dim(2), rate.Dim(3)
	plane := h * w
	xpr := rate.Clone()
	data := xpr.Data()
	lg := logit.Data()
	for b := 0; b < n; b++ {
		for gene := 0; gene < g; gene++ {
			f := math.Exp(lg[gene])
			base := (b*g + gene) * plane
			for p := 0; p < plane; p++ {
				data[base+p] *= f
			}
		}
	}

	rel := xpr.Clone()
	rd := rel.Data()
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			var sum float64
			for gene := 0; gene < g; gene++ {
				sum += data[(b*g+gene)*plane+p]
			}
			for gene := 0; gene < g; gene++ {
				rd[(b*g+gene)*plane+p] = data[(b*g+gene)*plane+p] / sum
			}
		}
	}
	return xpr, rel
}

// SampleImage draws every pixel from Normal(mu, sd) and clamps it to [0, 1].
func SampleImage(mu, sd *tensor.Tensor, r *rand.Rand) *tensor.Tensor {
	out := mu.Clone()
	data := out.Data()
	sds := sd.Data()
	for i, m := range data {
		data[i] = math.Max(0, math.Min(1, m+sds[i]*r.NormFloat64()))
	}
	return out
}

type AnalyzeOptions struct {
	// Seed drives the H&E sample.
	Seed   uint64
	Logger *zap.Logger
}

// Analyze writes the visual summary of outputs to outDir and returns the
// paths written: he.png, z.png, xpr.png, xpr-rel.png and state.png, plus
// genes-abs.pdf and genes-rel.pdf with one page per gene.
func Analyze(ctx context.Context, outputs Outputs, genes []string, outDir string, opts AnalyzeOptions) ([]string, error) {
	log := logging.OrNop(opts.Logger)
	if err := outputs.Validate(len(genes)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create analysis dir: %w", err)
	}

	xpr, xprRel := Expression(outputs.Rate, outputs.Logit)
	he := SampleImage(outputs.Mu, outputs.Sd, rand.New(rand.NewPCG(opts.Seed, 0)))

	var written []string
	maps := []struct {
		name    string
		batch   *tensor.Tensor
		project bool
	}{
		{"he", he, false},
		{"z", outputs.Z, true},
		{"xpr", xpr, true},
		{"xpr-rel", xprRel, true},
		{"state", outputs.State, true},
	}
	for _, m := range maps {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch := m.batch
		if m.project {
			reduced, err := DimRed(batch, MethodPCA, min(3, batch.Dim(1)))
			if err != nil {
				return written, fmt.Errorf("reduce %s: %w", m.name, err)
			}
			batch = reduced
		}
		grid, err := VisualizeBatch(batch, false)
		if err != nil {
			return written, fmt.Errorf("tile %s: %w", m.name, err)
		}
		path := filepath.Join(outDir, m.name+".png")
		if err := WritePNG(path, padChannels(grid)); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		log.Debug("wrote analysis map", zap.String("path", path))
		written = append(written, path)
	}

	for _, doc := range []struct {
		postfix string
		batch   *tensor.Tensor
	}{{"abs", xpr}, {"rel", xprRel}} {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		path := filepath.Join(outDir, "genes-"+doc.postfix+".pdf")
		if err := WriteGenePDF(ctx, path, doc.batch, genes); err != nil {
			return written, err
		}
		log.Debug("wrote gene document", zap.String("path", path), zap.Int("pages", len(genes)))
		written = append(written, path)
	}
	log.Info("analysis finished", zap.String("dir", outDir), zap.Int("files", len(written)))
	return written, nil
}

// padChannels extends a two-channel [H, W, 2] image with an empty third
// channel so it can be written as RGB.
func padChannels(hwc *tensor.Tensor) *tensor.Tensor {
	if hwc.Dim(2) != 2 {
		return hwc
	}
	h, w := hwc.Dim(0), hwc.Dim(1)
	out := tensor.Zeros(h, w, 3)
	src, dst := hwc.Data(), out.Data()
	for p := 0; p < h*w; p++ {
		dst[3*p] = src[2*p]
		dst[3*p+1] = src[2*p+1]
	}
	return out
}
