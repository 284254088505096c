package analysis

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"histonet/internal/tensor"
)

// GridLayout describes how VisualizeBatch tiles a batch.
type GridLayout struct {
	PerRow  int
	Rows    int
	Padding int
}

// LayoutFor returns the tiling of n images of h x w pixels: floor(sqrt(n))
// images per row and a padding of ceil(sqrt(h*w)/100) pixels.
func LayoutFor(n, h, w int) GridLayout {
	perRow := int(math.Floor(math.Sqrt(float64(n))))
	if perRow < 1 {
		perRow = 1
	}
	perRow = min(perRow, n)
	rows := 0
	if perRow > 0 {
		rows = (n + perRow - 1) / perRow
	}
	return GridLayout{
		PerRow:  perRow,
		Rows:    rows,
		Padding: int(math.Ceil(math.Sqrt(float64(h*w)) / 100)),
	}
}

// VisualizeBatch tiles a [N, C, H, W] batch into a single [H', W', C]
// image. Single-channel batches are repeated to three channels. With
// normalize set, values are first rescaled to [0, 1] using the minimum and
// maximum of the whole batch. A batch of one image is returned without
// padding.
func VisualizeBatch(batch *tensor.Tensor, normalize bool) (*tensor.Tensor, error) {
	if batch.Rank() == 3 {
		b, err := batch.Reshape(append([]int{1}, batch.Shape()...)...)
		if err != nil {
			return nil, err
		}
		batch = b
	}
	if batch.Rank() != 4 {
		return nil, fmt.Errorf("grid expects a [N, C, H, W] batch, got %v", batch.Shape())
	}
	n, c, h, w := batch.Dim(0), batch.Dim(1), batch.Dim(2), batch.Dim(3)
	if n == 0 {
		return nil, fmt.Errorf("grid of an empty batch")
	}
	if c == 1 {
		batch = repeatChannel(batch, 3)
		c = 3
	}
	if normalize {
		batch = normalizeGlobal(batch)
	}
	src := batch.Data()

	if n == 1 {
		out := tensor.Zeros(h, w, c)
		dst := out.Data()
		for ch := 0; ch < c; ch++ {
			for p := 0; p < h*w; p++ {
				dst[p*c+ch] = src[ch*h*w+p]
			}
		}
		return out, nil
	}

	layout := LayoutFor(n, h, w)
	pad := layout.Padding
	gh := layout.Rows*(h+pad) + pad
	gw := layout.PerRow*(w+pad) + pad
	out := tensor.Zeros(gh, gw, c)
	dst := out.Data()
	for k := 0; k < n; k++ {
		top := (k/layout.PerRow)*(h+pad) + pad
		left := (k%layout.PerRow)*(w+pad) + pad
		for ch := 0; ch < c; ch++ {
			base := (k*c + ch) * h * w
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dst[((top+y)*gw+left+x)*c+ch] = src[base+y*w+x]
				}
			}
		}
	}
	return out, nil
}

func repeatChannel(batch *tensor.Tensor, times int) *tensor.Tensor {
	n, h, w := batch.Dim(0), batch.Dim(2), batch.Dim(3)
	out := tensor.Zeros(n, times, h, w)
	src, dst := batch.Data(), out.Data()
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < times; ch++ {
			copy(dst[(b*times+ch)*plane:(b*times+ch+1)*plane], src[b*plane:(b+1)*plane])
		}
	}
	return out
}

func normalizeGlobal(t *tensor.Tensor) *tensor.Tensor {
	out := t.Clone()
	data := out.Data()
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := math.Max(hi-lo, 1e-5)
	for i, v := range data {
		data[i] = math.Max(0, math.Min(1, (v-lo)/span))
	}
	return out
}

// Image converts a [H, W, C] tensor with values in [0, 1] to an 8-bit
// image. One channel yields grayscale, three yield RGB.
func Image(hwc *tensor.Tensor) (image.Image, error) {
	if hwc.Rank() != 3 {
		return nil, fmt.Errorf("image expects a [H, W, C] tensor, got %v", hwc.Shape())
	}
	h, w, c := hwc.Dim(0), hwc.Dim(1), hwc.Dim(2)
	data := hwc.Data()
	switch c {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i, v := range data {
			img.Pix[i] = unitByte(v)
		}
		return img, nil
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < h*w; p++ {
			img.Pix[4*p] = unitByte(data[3*p])
			img.Pix[4*p+1] = unitByte(data[3*p+1])
			img.Pix[4*p+2] = unitByte(data[3*p+2])
			img.Pix[4*p+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("cannot encode %d channels as an image", c)
	}
}

func unitByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func EncodePNG(w io.Writer, hwc *tensor.Tensor) error {
	img, err := Image(hwc)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// WritePNG writes a [H, W, C] tensor with values in [0, 1] to path.
func WritePNG(path string, hwc *tensor.Tensor) error {
	img, err := Image(hwc)
	if err != nil {
		return err
	}
	return writeImage(path, img)
}

func writeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// colorize maps the values of an [H, W] map, expected in [0, 1], through
// colors.
func colorize(m *tensor.Tensor, colors []color.Color) *image.NRGBA {
	h, w := m.Dim(0), m.Dim(1)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	last := float64(len(colors) - 1)
	for i, v := range m.Data() {
		if math.IsNaN(v) {
			v = 0
		}
		idx := int(math.Round(math.Max(0, math.Min(1, v)) * last))
		img.Set(i%w, i/w, colors[idx])
	}
	return img
}
