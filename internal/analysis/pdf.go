package analysis

import (
	"context"
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgpdf"

	"histonet/internal/tensor"
)

const pageSize = 5 * vg.Inch

// geneMap adapts one [H, W] plane to plotter.GridXYZ with the first image
// row at the top.
type geneMap struct {
	w, h   int
	values []float64
}

func (g geneMap) Dims() (int, int)   { return g.w, g.h }
func (g geneMap) X(c int) float64    { return float64(c) }
func (g geneMap) Y(r int) float64    { return float64(r) }
func (g geneMap) Z(c, r int) float64 { return g.values[(g.h-1-r)*g.w+c] }

// HeatMap plots a clipped [H, W] plane titled title.
func HeatMap(plane []float64, w, h int, title string) (*plot.Plot, error) {
	clipped, err := Clip(plane, Q(0.01))
	if err != nil {
		return nil, err
	}
	grid := geneMap{w: w, h: h, values: clipped}
	hm := plotter.NewHeatMap(grid, palette.Heat(256, 1))
	if hm.Max == hm.Min {
		hm.Max = hm.Min + 1
	}
	p := plot.New()
	p.Title.Text = title
	p.HideAxes()
	p.Add(hm)
	return p, nil
}

// WriteGenePDF writes one heat map page per gene of a [1, G, H, W] batch,
// starting with the last gene.
func WriteGenePDF(ctx context.Context, path string, batch *tensor.Tensor, genes []string) error {
	if batch.Rank() != 4 || batch.Dim(1) != len(genes) {
		return fmt.Errorf("gene document expects [1, %d, H, W], got %v", len(genes), batch.Shape())
	}
	h, w := batch.Dim(2), batch.Dim(3)
	plane := h * w
	data := batch.Data()

	c := vgpdf.New(pageSize, pageSize)
	for i := len(genes) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := HeatMap(data[i*plane:(i+1)*plane], w, h, genes[i])
		if err != nil {
			return fmt.Errorf("plot gene %s: %w", genes[i], err)
		}
		if i != len(genes)-1 {
			c.NextPage()
		}
		p.Draw(draw.New(c))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := c.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
