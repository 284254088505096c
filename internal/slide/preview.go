package slide

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strconv"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// SampleImage converts the [-1, 1] image tensor of s back to 8-bit RGB.
func SampleImage(s Sample) *image.NRGBA {
	h, w := s.Image.Dim(1), s.Image.Dim(2)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	data := s.Image.Data()
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			out.SetNRGBA(x, y, color.NRGBA{
				R: toByte(data[i]),
				G: toByte(data[plane+i]),
				B: toByte(data[2*plane+i]),
				A: 0xff,
			})
		}
	}
	return out
}

func toByte(v float64) uint8 {
	v = math.Round((v + 1) / 2 * 255)
	return uint8(math.Max(0, math.Min(255, v)))
}

// LabelOverlay paints every object of s in a distinct color over a dimmed
// copy of the patch.
func LabelOverlay(s Sample) *image.NRGBA {
	base := SampleImage(s)
	palette := colorful.FastHappyPalette(s.Objects())
	h, w := s.Label.Dim(0), s.Label.Dim(1)
	labels := s.Label.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			id := int(labels[y*w+x])
			px := base.NRGBAAt(x, y)
			if id == 0 {
				base.SetNRGBA(x, y, color.NRGBA{R: px.R / 3, G: px.G / 3, B: px.B / 3, A: 0xff})
				continue
			}
			under := colorful.Color{R: float64(px.R) / 255, G: float64(px.G) / 255, B: float64(px.B) / 255}
			r, g, b := under.BlendRgb(palette[id-1], 0.6).Clamped().RGB255()
			base.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return base
}

// WriteSampleData writes the feature rows of s with their dense and
// original ids.
func WriteSampleData(w io.Writer, s Sample, genes []string) error {
	_, cols := s.Data.Dims()
	if len(genes) != cols {
		return fmt.Errorf("sample has %d feature columns but %d gene names", cols, len(genes))
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(append([]string{"label", "object_id"}, genes...)); err != nil {
		return err
	}
	for i, id := range s.IDs {
		record := make([]string, 0, cols+2)
		record = append(record, strconv.Itoa(i+1), strconv.FormatUint(uint64(id), 10))
		for j := 0; j < cols; j++ {
			record = append(record, strconv.FormatFloat(s.Data.At(i, j), 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
