package slide

import (
	"fmt"
	"image"
	"math/rand/v2"
)

// PatchSource extracts raw patches from a slide. Every variant must report
// how many samples it serves and return the image and label crop of a
// sample index in [0, Len()).
type PatchSource interface {
	Len() int
	Patch(idx int) (image.Image, *LabelMask, error)
}

// RandomCrop serves patches at uniformly random positions. The position of
// an index depends only on the seed and the index, so retrieval stays
// deterministic and safe to call concurrently.
type RandomCrop struct {
	slide  *Slide
	size   image.Point
	length int
	seed   uint64
}

func NewRandomCrop(s *Slide, size image.Point, length int, seed uint64) (*RandomCrop, error) {
	if err := checkPatchSize(s, size); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("random crop length must be positive, got %d", length)
	}
	return &RandomCrop{slide: s, size: size, length: length, seed: seed}, nil
}

func (c *RandomCrop) Len() int { return c.length }

func (c *RandomCrop) Rect(idx int) (image.Rectangle, error) {
	if idx < 0 || idx >= c.length {
		return image.Rectangle{}, fmt.Errorf("patch index %d out of range [0, %d)", idx, c.length)
	}
	r := rand.New(rand.NewPCG(c.seed, uint64(idx)))
	x := r.IntN(c.slide.Width() - c.size.X + 1)
	y := r.IntN(c.slide.Height() - c.size.Y + 1)
	return image.Rect(x, y, x+c.size.X, y+c.size.Y), nil
}

func (c *RandomCrop) Patch(idx int) (image.Image, *LabelMask, error) {
	rect, err := c.Rect(idx)
	if err != nil {
		return nil, nil, err
	}
	return c.slide.crop(rect)
}

// GridCrop tiles the slide row by row with a fixed stride. The last column
// and row are shifted inwards so the grid covers every pixel.
type GridCrop struct {
	slide *Slide
	size  image.Point
	xs    []int
	ys    []int
}

func NewGridCrop(s *Slide, size, stride image.Point) (*GridCrop, error) {
	if err := checkPatchSize(s, size); err != nil {
		return nil, err
	}
	if stride.X <= 0 || stride.Y <= 0 {
		return nil, fmt.Errorf("grid stride must be positive, got %v", stride)
	}
	return &GridCrop{
		slide: s,
		size:  size,
		xs:    gridOffsets(s.Width(), size.X, stride.X),
		ys:    gridOffsets(s.Height(), size.Y, stride.Y),
	}, nil
}

func gridOffsets(extent, size, stride int) []int {
	var out []int
	last := 0
	for off := 0; off+size <= extent; off += stride {
		out = append(out, off)
		last = off
	}
	if last+size < extent {
		out = append(out, extent-size)
	}
	return out
}

func (g *GridCrop) Len() int { return len(g.xs) * len(g.ys) }

func (g *GridCrop) Rect(idx int) (image.Rectangle, error) {
	if idx < 0 || idx >= g.Len() {
		return image.Rectangle{}, fmt.Errorf("patch index %d out of range [0, %d)", idx, g.Len())
	}
	x := g.xs[idx%len(g.xs)]
	y := g.ys[idx/len(g.xs)]
	return image.Rect(x, y, x+g.size.X, y+g.size.Y), nil
}

func (g *GridCrop) Patch(idx int) (image.Image, *LabelMask, error) {
	rect, err := g.Rect(idx)
	if err != nil {
		return nil, nil, err
	}
	return g.slide.crop(rect)
}

func checkPatchSize(s *Slide, size image.Point) error {
	if s == nil {
		return fmt.Errorf("slide is required")
	}
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("patch size must be positive, got %v", size)
	}
	if size.X > s.Width() || size.Y > s.Height() {
		return fmt.Errorf("patch size %v exceeds slide %dx%d", size, s.Width(), s.Height())
	}
	return nil
}
