package slide

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	_ "golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"

	"histonet/internal/logging"
)

// Spec locates the three files a slide is built from.
type Spec struct {
	ImagePath string `json:"image"`
	LabelPath string `json:"label"`
	DataPath  string `json:"data"`
}

func (s Spec) Validate() error {
	switch {
	case strings.TrimSpace(s.ImagePath) == "":
		return fmt.Errorf("slide image path is required")
	case strings.TrimSpace(s.LabelPath) == "":
		return fmt.Errorf("slide label path is required")
	case strings.TrimSpace(s.DataPath) == "":
		return fmt.Errorf("slide data path is required")
	}
	return nil
}

// Open loads and validates a slide.
func Open(ctx context.Context, spec Spec, log *zap.Logger) (*Slide, error) {
	log = logging.OrNop(log)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	img, err := LoadImage(spec.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("load slide image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	label, err := LoadLabelMask(spec.LabelPath)
	if err != nil {
		return nil, fmt.Errorf("load label mask: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, genes, err := LoadFeatureTable(spec.DataPath)
	if err != nil {
		return nil, fmt.Errorf("load feature table: %w", err)
	}
	s, err := NewSlide(data, genes, img, label)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("image", spec.ImagePath),
		zap.Int("width", s.Width()),
		zap.Int("height", s.Height()),
		zap.String("pixels", humanize.Comma(int64(s.Width())*int64(s.Height()))),
		zap.Int("objects", s.Objects()),
		zap.Int("genes", len(genes)),
	}
	if info, err := os.Stat(spec.ImagePath); err == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	log.Info("opened slide", fields...)
	return s, nil
}

// LoadImage decodes a PNG, JPEG or TIFF image.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// LoadLabelMask decodes a grayscale image whose pixel values are object ids.
// 16-bit images keep their full range.
func LoadLabelMask(path string) (*LabelMask, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	m, err := LabelMaskFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("label mask %s: %w", path, err)
	}
	return m, nil
}

var ErrUnsupportedLabelImage = errors.New("label mask must be a grayscale image")

// LabelMaskFromImage reads ids from 8-bit gray, 16-bit gray or paletted
// images. Paletted entries must be gray; their 8-bit value is the id.
func LabelMaskFromImage(img image.Image) (*LabelMask, error) {
	b := img.Bounds()
	m := NewLabelMask(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				m.Set(x, y, uint32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray16:
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				m.Set(x, y, uint32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Paletted:
		ids := make([]uint32, len(src.Palette))
		for i, c := range src.Palette {
			r, g, bl, _ := c.RGBA()
			if r != g || g != bl {
				return nil, fmt.Errorf("%w: palette entry %d is not gray", ErrUnsupportedLabelImage, i)
			}
			ids[i] = r >> 8
		}
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				idx := int(src.ColorIndexAt(b.Min.X+x, b.Min.Y+y))
				if idx >= len(ids) {
					return nil, fmt.Errorf("%w: palette index %d out of range", ErrUnsupportedLabelImage, idx)
				}
				m.Set(x, y, ids[idx])
			}
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedLabelImage, img)
	}
	return m, nil
}

// LabelMaskImage encodes m as a 16-bit grayscale image.
func LabelMaskImage(m *LabelMask) (*image.Gray16, error) {
	out := image.NewGray16(m.Bounds())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			id := m.At(x, y)
			if id > 0xffff {
				return nil, fmt.Errorf("label id %d does not fit 16 bits", id)
			}
			out.SetGray16(x, y, color.Gray16{Y: uint16(id)})
		}
	}
	return out, nil
}

// LoadFeatureTable reads a CSV table, gzip compressed when the path ends in
// .gz. The first column is the object index and is ignored; the remaining
// header cells are gene names. Row i holds the features of object id i+1.
func LoadFeatureTable(path string) (*mat.Dense, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	return ReadFeatureTable(r)
}

func ReadFeatureTable(in io.Reader) (*mat.Dense, []string, error) {
	reader := csv.NewReader(in)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("feature table is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read feature table header: %w", err)
	}
	if len(header) < 2 {
		return nil, nil, fmt.Errorf("feature table needs an index column and at least one gene")
	}
	genes := make([]string, len(header)-1)
	for i, name := range header[1:] {
		genes[i] = strings.TrimSpace(name)
	}

	values := make([]float64, 0, 1024)
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read feature table row %d: %w", rows+1, err)
		}
		for col, raw := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parse feature table row %d column %s: %w", rows+1, genes[col], err)
			}
			values = append(values, v)
		}
		rows++
	}
	if rows == 0 {
		return nil, nil, fmt.Errorf("feature table has no rows")
	}
	return mat.NewDense(rows, len(genes), values), genes, nil
}
