package slide

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"histonet/internal/logging"
	"histonet/internal/tensor"
)

// TypeST tags samples produced from spatial transcriptomics slides.
const TypeST = "ST"

var ErrNoCompleteObjects = errors.New("no patch contains a fully visible object")

// Sample is one processed patch.
type Sample struct {
	// Index is the index the sample was taken from; it differs from the
	// requested index when empty patches were skipped.
	Index int
	// Image is [3, H, W] with pixel values rescaled to [-1, 1].
	Image *tensor.Tensor
	// Label is [H, W] with dense object ids, 0 for background.
	Label *tensor.Tensor
	// Data holds one feature row per dense id, row i for id i+1.
	Data *mat.Dense
	// IDs are the original object ids in dense id order.
	IDs  []uint32
	Type string
}

func (s Sample) Objects() int {
	return len(s.IDs)
}

type Options struct {
	// MaxRetries bounds how many following indices are tried when a patch
	// has no complete object. Zero means one full pass over the dataset.
	MaxRetries int
	// CacheSize enables an LRU cache of processed samples when positive.
	CacheSize int
	Logger    *zap.Logger
}

// Dataset turns raw patches into samples with aligned image, label and
// feature rows. It holds no mutable state besides the optional cache and
// may be read from several goroutines.
type Dataset struct {
	slide      *Slide
	source     PatchSource
	maxRetries int
	cache      *lru.Cache
	log        *zap.Logger
}

func NewDataset(s *Slide, source PatchSource, opts Options) (*Dataset, error) {
	if s == nil || source == nil {
		return nil, fmt.Errorf("slide and patch source are required")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", opts.MaxRetries)
	}
	d := &Dataset{
		slide:      s,
		source:     source,
		maxRetries: opts.MaxRetries,
		log:        logging.OrNop(opts.Logger),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create sample cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

func (d *Dataset) Len() int { return d.source.Len() }

func (d *Dataset) Slide() *Slide { return d.slide }

// Get returns the sample at idx. Patches without a fully visible object are
// skipped in favour of the next index, wrapping around, for at most
// MaxRetries further indices; after that ErrNoCompleteObjects is returned.
// Cached samples are shared and must not be modified. A skipped-to sample
// is cached under its own index as well.
func (d *Dataset) Get(ctx context.Context, idx int) (Sample, error) {
	n := d.Len()
	if n == 0 {
		return Sample{}, fmt.Errorf("dataset is empty")
	}
	if idx < 0 || idx >= n {
		return Sample{}, fmt.Errorf("sample index %d out of range [0, %d)", idx, n)
	}
	if d.cache != nil {
		if cached, ok := d.cache.Get(idx); ok {
			return cached.(Sample), nil
		}
	}

	retries := d.maxRetries
	if retries == 0 {
		retries = n - 1
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		cur := (idx + attempt) % n
		sample, ok, err := d.build(cur)
		if err != nil {
			return Sample{}, fmt.Errorf("sample %d: %w", cur, err)
		}
		if !ok {
			d.log.Debug("patch has no complete object", zap.Int("index", cur))
			continue
		}
		if d.cache != nil {
			d.cache.Add(idx, sample)
			if cur != idx {
				d.cache.Add(cur, sample)
			}
		}
		return sample, nil
	}
	return Sample{}, fmt.Errorf("%w: tried %d indices from %d", ErrNoCompleteObjects, retries+1, idx)
}

func (d *Dataset) build(idx int) (Sample, bool, error) {
	img, label, err := d.source.Patch(idx)
	if err != nil {
		return Sample{}, false, err
	}
	b := img.Bounds()
	if b.Dx() != label.Width || b.Dy() != label.Height {
		return Sample{}, false, fmt.Errorf("%w: patch image %v, label %dx%d", ErrShapeMismatch, b, label.Width, label.Height)
	}

	// the source may share pixels with the slide
	label = label.Clone()
	RemovePartialObjects(label)
	ids, dense := Relabel(label)
	if len(ids) == 0 {
		return Sample{}, false, nil
	}
	data, err := d.slide.Features(ids)
	if err != nil {
		return Sample{}, false, err
	}

	labelTensor, err := tensor.FromSlice([]int{label.Height, label.Width}, dense)
	if err != nil {
		return Sample{}, false, err
	}
	return Sample{
		Index: idx,
		Image: imageTensor(img),
		Label: labelTensor,
		Data:  data,
		IDs:   ids,
		Type:  TypeST,
	}, true, nil
}

// imageTensor converts img to a channel-first tensor with values mapped
// from [0, 255] to [-1, 1].
func imageTensor(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.Zeros(3, h, w)
	data := out.Data()
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			data[i] = float64(c.R)/255*2 - 1
			data[plane+i] = float64(c.G)/255*2 - 1
			data[2*plane+i] = float64(c.B)/255*2 - 1
		}
	}
	return out
}
