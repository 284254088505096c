package slide

import (
	"errors"
	"fmt"
	"image"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrShapeMismatch   = errors.New("image and label mask shapes differ")
	ErrLabelOutOfRange = errors.New("label id outside feature table")
)

// Slide is a whole-slide image with its co-registered label mask and the
// per-object feature table. It is immutable once built.
type Slide struct {
	image image.Image
	label *LabelMask
	data  *mat.Dense
	genes []string
}

// NewSlide checks that img and label cover the same pixels. genes names the
// columns of data; nil generates positional names.
func NewSlide(data *mat.Dense, genes []string, img image.Image, label *LabelMask) (*Slide, error) {
	if img == nil || label == nil {
		return nil, fmt.Errorf("slide image and label mask are required")
	}
	if data == nil {
		return nil, fmt.Errorf("slide feature table is required")
	}
	b := img.Bounds()
	if b.Dx() != label.Width || b.Dy() != label.Height {
		return nil, fmt.Errorf("%w: image %dx%d, label %dx%d", ErrShapeMismatch, b.Dx(), b.Dy(), label.Width, label.Height)
	}
	_, cols := data.Dims()
	if genes == nil {
		genes = make([]string, cols)
		for i := range genes {
			genes[i] = fmt.Sprintf("gene%d", i)
		}
	}
	if len(genes) != cols {
		return nil, fmt.Errorf("feature table has %d columns but %d gene names", cols, len(genes))
	}
	return &Slide{image: img, label: label, data: data, genes: append([]string(nil), genes...)}, nil
}

func (s *Slide) Width() int  { return s.label.Width }
func (s *Slide) Height() int { return s.label.Height }

func (s *Slide) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.label.Width, s.label.Height)
}

func (s *Slide) Image() image.Image { return s.image }

func (s *Slide) Label() *LabelMask { return s.label }

func (s *Slide) Genes() []string { return append([]string(nil), s.genes...) }

func (s *Slide) Objects() int {
	rows, _ := s.data.Dims()
	return rows
}

// Features returns the feature rows of ids, in order.
func (s *Slide) Features(ids []uint32) (*mat.Dense, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no object ids requested")
	}
	rows, cols := s.data.Dims()
	out := mat.NewDense(len(ids), cols, nil)
	for i, id := range ids {
		if id == 0 || int(id) > rows {
			return nil, fmt.Errorf("%w: id %d, table has %d rows", ErrLabelOutOfRange, id, rows)
		}
		out.SetRow(i, s.data.RawRowView(int(id)-1))
	}
	return out, nil
}

// crop returns the image and label pixels inside r, in slide coordinates.
func (s *Slide) crop(r image.Rectangle) (image.Image, *LabelMask, error) {
	label, err := s.label.Crop(r)
	if err != nil {
		return nil, nil, err
	}
	return cropImage(s.image, r), label, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropImage(img image.Image, r image.Rectangle) image.Image {
	r = r.Add(img.Bounds().Min)
	if sub, ok := img.(subImager); ok {
		return sub.SubImage(r)
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			out.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return out
}
