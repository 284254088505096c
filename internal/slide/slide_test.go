package slide

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"
)

func mustMask(t *testing.T, rows [][]uint32) *LabelMask {
	t.Helper()
	m, err := LabelMaskFromRows(rows)
	if err != nil {
		t.Fatalf("label mask: %v", err)
	}
	return m
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// table builds n rows where row i is [i+1, 10*(i+1)].
func table(n int) *mat.Dense {
	data := make([]float64, 0, 2*n)
	for i := 1; i <= n; i++ {
		data = append(data, float64(i), float64(10*i))
	}
	return mat.NewDense(n, 2, data)
}

func wholeSource(t *testing.T, s *Slide) PatchSource {
	t.Helper()
	src, err := NewGridCrop(s, image.Pt(s.Width(), s.Height()), image.Pt(s.Width(), s.Height()))
	if err != nil {
		t.Fatalf("grid source: %v", err)
	}
	return src
}

func TestNewSlideRequiresMatchingShapes(t *testing.T) {
	label := NewLabelMask(4, 4)
	if _, err := NewSlide(table(1), nil, solidImage(4, 4, color.NRGBA{A: 255}), label); err != nil {
		t.Fatalf("expected matching slide to build: %v", err)
	}
	_, err := NewSlide(table(1), nil, solidImage(4, 5, color.NRGBA{A: 255}), label)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := NewSlide(table(1), []string{"only-one"}, solidImage(4, 4, color.NRGBA{}), label); err == nil {
		t.Fatal("expected gene name count error")
	}
}

func TestRemovePartialObjectsKeepsInteriorObject(t *testing.T) {
	m := mustMask(t, [][]uint32{
		{0, 0, 0, 2},
		{0, 1, 0, 2},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	})
	RemovePartialObjects(m)
	if got := m.Labels(); !reflect.DeepEqual(got, []uint32{0, 1}) {
		t.Fatalf("unexpected surviving labels: %v", got)
	}
}

func TestRemovePartialObjectsClearsTouchingComponent(t *testing.T) {
	m := mustMask(t, [][]uint32{
		{0, 0, 0, 0, 0},
		{0, 1, 2, 2, 2},
		{0, 0, 0, 0, 0},
	})
	RemovePartialObjects(m)
	if got := m.Labels(); !reflect.DeepEqual(got, []uint32{0}) {
		t.Fatalf("expected every object cleared, got %v", got)
	}
}

func TestRemovePartialObjectsDiagonalIsNotConnected(t *testing.T) {
	m := mustMask(t, [][]uint32{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 2},
	})
	RemovePartialObjects(m)
	if got := m.Labels(); !reflect.DeepEqual(got, []uint32{0, 1}) {
		t.Fatalf("diagonal neighbour must survive, got %v", got)
	}
}

func TestRelabelIsDenseAndOrdered(t *testing.T) {
	m := mustMask(t, [][]uint32{
		{0, 7, 7},
		{3, 0, 9},
	})
	ids, dense := Relabel(m)
	if !reflect.DeepEqual(ids, []uint32{3, 7, 9}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if !reflect.DeepEqual(dense, []int{0, 2, 2, 1, 0, 3}) {
		t.Fatalf("unexpected dense labels: %v", dense)
	}
}

func TestDatasetGetSingleObjectScenario(t *testing.T) {
	label := mustMask(t, [][]uint32{
		{0, 0, 0, 2},
		{0, 1, 0, 2},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	})
	img := solidImage(4, 4, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	s, err := NewSlide(table(2), []string{"a", "b"}, img, label)
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	ds, err := NewDataset(s, wholeSource(t, s), Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	sample, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if sample.Type != TypeST {
		t.Fatalf("unexpected type: %s", sample.Type)
	}
	rows, cols := sample.Data.Dims()
	if rows != 1 || cols != 2 || sample.Data.At(0, 0) != 1 || sample.Data.At(0, 1) != 10 {
		t.Fatalf("unexpected data rows: %v", mat.Formatted(sample.Data))
	}
	seen := map[float64]bool{}
	for _, v := range sample.Label.Data() {
		seen[v] = true
	}
	if len(seen) != 2 || !seen[0] || !seen[1] {
		t.Fatalf("unexpected label values: %v", seen)
	}
	if sample.Label.At(1, 1) != 1 || sample.Label.At(0, 3) != 0 {
		t.Fatalf("unexpected label placement: %v", sample.Label.Data())
	}
	if label.At(3, 0) != 2 {
		t.Fatal("slide label mask must not be modified by retrieval")
	}

	if !reflect.DeepEqual(sample.Image.Shape(), []int{3, 4, 4}) {
		t.Fatalf("unexpected image shape: %v", sample.Image.Shape())
	}
	if sample.Image.At(0, 2, 2) != 1 || sample.Image.At(1, 2, 2) != -1 {
		t.Fatalf("unexpected red/green scaling: %f %f", sample.Image.At(0, 2, 2), sample.Image.At(1, 2, 2))
	}
	if math.Abs(sample.Image.At(2, 0, 0)-(128.0/255*2-1)) > 1e-12 {
		t.Fatalf("unexpected blue scaling: %f", sample.Image.At(2, 0, 0))
	}
}

func TestDatasetFeatureRowsMatchDenseLabels(t *testing.T) {
	label := mustMask(t, [][]uint32{
		{0, 0, 0, 0, 0, 0},
		{0, 5, 0, 0, 2, 0},
		{0, 0, 0, 0, 2, 0},
		{0, 4, 4, 0, 0, 0},
		{0, 0, 0, 0, 0, 0},
	})
	s, err := NewSlide(table(5), nil, solidImage(6, 5, color.NRGBA{A: 255}), label)
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	ds, err := NewDataset(s, wholeSource(t, s), Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	sample, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(sample.IDs, []uint32{2, 4, 5}) {
		t.Fatalf("unexpected ids: %v", sample.IDs)
	}
	rows, _ := sample.Data.Dims()
	maxDense := 0
	for _, v := range sample.Label.Ints() {
		if v > maxDense {
			maxDense = v
		}
	}
	if rows != maxDense || rows != 3 {
		t.Fatalf("feature rows %d must equal dense id count %d", rows, maxDense)
	}
	for i, id := range sample.IDs {
		if sample.Data.At(i, 0) != float64(id) {
			t.Fatalf("row %d holds object %f, want %d", i, sample.Data.At(i, 0), id)
		}
	}
}

func twoPatchSlide(t *testing.T, secondHasObject bool) *Slide {
	t.Helper()
	rows := [][]uint32{
		{1, 1, 0, 0, 0, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0, 0},
	}
	if secondHasObject {
		rows[1][5] = 3
		rows[2][5] = 3
	}
	s, err := NewSlide(table(3), nil, solidImage(8, 4, color.NRGBA{A: 255}), mustMask(t, rows))
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	return s
}

func TestDatasetRetriesNextIndexOnEmptyPatch(t *testing.T) {
	s := twoPatchSlide(t, true)
	src, err := NewGridCrop(s, image.Pt(4, 4), image.Pt(4, 4))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	ds, err := NewDataset(s, src, Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	sample, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sample.Index != 1 || !reflect.DeepEqual(sample.IDs, []uint32{3}) {
		t.Fatalf("expected retry onto index 1, got index=%d ids=%v", sample.Index, sample.IDs)
	}
}

func TestDatasetRetryIsBounded(t *testing.T) {
	s := twoPatchSlide(t, false)
	src, err := NewGridCrop(s, image.Pt(4, 4), image.Pt(4, 4))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	ds, err := NewDataset(s, src, Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if _, err := ds.Get(context.Background(), 1); !errors.Is(err, ErrNoCompleteObjects) {
		t.Fatalf("expected ErrNoCompleteObjects, got %v", err)
	}
}

func TestDatasetRejectsLabelsOutsideTable(t *testing.T) {
	label := mustMask(t, [][]uint32{
		{0, 0, 0},
		{0, 9, 0},
		{0, 0, 0},
	})
	s, err := NewSlide(table(2), nil, solidImage(3, 3, color.NRGBA{A: 255}), label)
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	ds, err := NewDataset(s, wholeSource(t, s), Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if _, err := ds.Get(context.Background(), 0); !errors.Is(err, ErrLabelOutOfRange) {
		t.Fatalf("expected ErrLabelOutOfRange, got %v", err)
	}
}

func TestDatasetHonoursCancellation(t *testing.T) {
	s := twoPatchSlide(t, true)
	ds, err := NewDataset(s, wholeSource(t, s), Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ds.Get(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type countingSource struct {
	PatchSource
	calls atomic.Int64
}

func (c *countingSource) Patch(idx int) (image.Image, *LabelMask, error) {
	c.calls.Add(1)
	return c.PatchSource.Patch(idx)
}

func TestDatasetCacheReusesSamples(t *testing.T) {
	s := twoPatchSlide(t, true)
	src := &countingSource{PatchSource: wholeSource(t, s)}
	ds, err := NewDataset(s, src, Options{CacheSize: 4})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	first, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first.Data != second.Data || src.calls.Load() != 1 {
		t.Fatalf("expected cached sample, patch calls=%d", src.calls.Load())
	}
}

func TestGridCropCoversSlide(t *testing.T) {
	s, err := NewSlide(table(1), nil, solidImage(10, 5, color.NRGBA{A: 255}), NewLabelMask(10, 5))
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	g, err := NewGridCrop(s, image.Pt(4, 3), image.Pt(4, 3))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if !reflect.DeepEqual(g.xs, []int{0, 4, 6}) || !reflect.DeepEqual(g.ys, []int{0, 2}) {
		t.Fatalf("unexpected offsets xs=%v ys=%v", g.xs, g.ys)
	}
	if g.Len() != 6 {
		t.Fatalf("unexpected grid length: %d", g.Len())
	}
	covered := make([]bool, 50)
	for i := 0; i < g.Len(); i++ {
		r, err := g.Rect(i)
		if err != nil {
			t.Fatalf("rect %d: %v", i, err)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				covered[y*10+x] = true
			}
		}
	}
	for i, ok := range covered {
		if !ok {
			t.Fatalf("pixel %d not covered", i)
		}
	}
	if _, err := NewGridCrop(s, image.Pt(11, 1), image.Pt(1, 1)); err == nil {
		t.Fatal("expected oversized patch error")
	}
}

func TestRandomCropIsDeterministic(t *testing.T) {
	s, err := NewSlide(table(1), nil, solidImage(32, 16, color.NRGBA{A: 255}), NewLabelMask(32, 16))
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	rc, err := NewRandomCrop(s, image.Pt(8, 8), 20, 7)
	if err != nil {
		t.Fatalf("random crop: %v", err)
	}
	for i := 0; i < rc.Len(); i++ {
		a, err := rc.Rect(i)
		if err != nil {
			t.Fatalf("rect: %v", err)
		}
		b, _ := rc.Rect(i)
		if a != b {
			t.Fatalf("index %d not deterministic: %v vs %v", i, a, b)
		}
		if !a.In(s.Bounds()) || a.Dx() != 8 || a.Dy() != 8 {
			t.Fatalf("invalid crop %v", a)
		}
	}
	if _, err := rc.Rect(20); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestScanMatchesSequentialGet(t *testing.T) {
	s := twoPatchSlide(t, true)
	src, err := NewGridCrop(s, image.Pt(4, 4), image.Pt(2, 2))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	ds, err := NewDataset(s, src, Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	var finished atomic.Int64
	entries, err := Scan(context.Background(), ds, 3, func() { finished.Add(1) })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != ds.Len() || int(finished.Load()) != ds.Len() {
		t.Fatalf("unexpected scan size: entries=%d finished=%d len=%d", len(entries), finished.Load(), ds.Len())
	}
	for i, entry := range entries {
		sample, err := ds.Get(context.Background(), i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if entry.Resolved != sample.Index || entry.Objects != sample.Objects() {
			t.Fatalf("scan entry %d disagrees with get: %+v", i, entry)
		}
		if entry.Objects == 0 {
			t.Fatalf("entry %d has no objects", i)
		}
	}
}

func TestReadFeatureTable(t *testing.T) {
	data, genes, err := ReadFeatureTable(strings.NewReader(",g1,g2\n1,0.5,3\n2,1,4\n"))
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	if !reflect.DeepEqual(genes, []string{"g1", "g2"}) {
		t.Fatalf("unexpected genes: %v", genes)
	}
	if r, c := data.Dims(); r != 2 || c != 2 || data.At(1, 1) != 4 {
		t.Fatalf("unexpected table: %v", mat.Formatted(data))
	}
	if _, _, err := ReadFeatureTable(strings.NewReader(",g1\n1,x\n")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, _, err := ReadFeatureTable(strings.NewReader(",g1\n")); err == nil {
		t.Fatal("expected empty table error")
	}
}

func TestOpenLoadsSlideFromDisk(t *testing.T) {
	dir := t.TempDir()

	imgPath := filepath.Join(dir, "he.png")
	writePNG(t, imgPath, solidImage(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255}))

	mask := mustMask(t, [][]uint32{
		{0, 0, 0, 0},
		{0, 300, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	})
	gray, err := LabelMaskImage(mask)
	if err != nil {
		t.Fatalf("label image: %v", err)
	}
	labelPath := filepath.Join(dir, "label.png")
	writePNG(t, labelPath, gray)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(",g\n" + strings.Repeat("1,1\n", 300))); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	dataPath := filepath.Join(dir, "data.csv.gz")
	if err := os.WriteFile(dataPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}

	s, err := Open(context.Background(), Spec{ImagePath: imgPath, LabelPath: labelPath, DataPath: dataPath}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Label().At(1, 1) != 300 {
		t.Fatalf("16-bit label lost: %d", s.Label().At(1, 1))
	}
	if s.Objects() != 300 {
		t.Fatalf("unexpected object count: %d", s.Objects())
	}
	if _, err := Open(context.Background(), Spec{ImagePath: imgPath}, nil); err == nil {
		t.Fatal("expected missing path error")
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestPreviewAndSampleData(t *testing.T) {
	label := mustMask(t, [][]uint32{
		{0, 0, 0},
		{0, 2, 0},
		{0, 0, 0},
	})
	s, err := NewSlide(table(2), []string{"a", "b"}, solidImage(3, 3, color.NRGBA{R: 200, G: 100, B: 50, A: 255}), label)
	if err != nil {
		t.Fatalf("slide: %v", err)
	}
	ds, err := NewDataset(s, wholeSource(t, s), Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	sample, err := ds.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	img := SampleImage(sample)
	if got := img.NRGBAAt(0, 0); got.R != 200 || got.G != 100 || got.B != 50 {
		t.Fatalf("image round trip failed: %+v", got)
	}
	overlay := LabelOverlay(sample)
	if got := overlay.NRGBAAt(0, 0); got.R != 200/3 {
		t.Fatalf("background must be dimmed: %+v", got)
	}

	var buf bytes.Buffer
	if err := WriteSampleData(&buf, sample, s.Genes()); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if buf.String() != "label,object_id,a,b\n1,2,2,20\n" {
		t.Fatalf("unexpected sample data: %q", buf.String())
	}
}

func TestLoadLabelMaskPaletted(t *testing.T) {
	palette := color.Palette{color.Gray{Y: 0}, color.Gray{Y: 1}, color.Gray{Y: 2}}
	img := image.NewPaletted(image.Rect(0, 0, 3, 1), palette)
	img.SetColorIndex(1, 0, 1)
	img.SetColorIndex(2, 0, 2)
	path := filepath.Join(t.TempDir(), "label.png")
	writePNG(t, path, img)

	m, err := LoadLabelMask(path)
	if err != nil {
		t.Fatalf("load paletted mask: %v", err)
	}
	if got := []uint32{m.At(0, 0), m.At(1, 0), m.At(2, 0)}; !reflect.DeepEqual(got, []uint32{0, 1, 2}) {
		t.Fatalf("unexpected paletted ids: %v", got)
	}

	colored := image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.RGBA{R: 3, A: 255}})
	if _, err := LabelMaskFromImage(colored); !errors.Is(err, ErrUnsupportedLabelImage) {
		t.Fatalf("expected colored palette error, got %v", err)
	}
}

func TestLoadLabelMaskRejectsColorImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label.png")
	writePNG(t, path, solidImage(2, 2, color.NRGBA{R: 3, G: 3, B: 3, A: 255}))
	if _, err := LoadLabelMask(path); !errors.Is(err, ErrUnsupportedLabelImage) {
		t.Fatalf("expected unsupported label image error, got %v", err)
	}
}

type failingSource struct {
	countingSource
	failAt int
}

func (f *failingSource) Patch(idx int) (image.Image, *LabelMask, error) {
	if idx == f.failAt {
		f.calls.Add(1)
		return nil, nil, errors.New("unreadable patch")
	}
	return f.countingSource.Patch(idx)
}

func TestScanStopsAfterFirstFailure(t *testing.T) {
	s := twoPatchSlide(t, true)
	grid, err := NewGridCrop(s, image.Pt(2, 2), image.Pt(1, 1))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	src := &failingSource{countingSource: countingSource{PatchSource: grid}, failAt: 0}
	ds, err := NewDataset(s, src, Options{})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if _, err := Scan(context.Background(), ds, 1, nil); err == nil || !strings.Contains(err.Error(), "unreadable patch") {
		t.Fatalf("expected patch failure, got %v", err)
	}
	if calls := src.calls.Load(); calls != 1 {
		t.Fatalf("scan kept reading after the failure: %d patch reads", calls)
	}
}

func TestScanCacheServesSkippedToIndices(t *testing.T) {
	s := twoPatchSlide(t, true)
	grid, err := NewGridCrop(s, image.Pt(4, 4), image.Pt(4, 4))
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	src := &countingSource{PatchSource: grid}
	ds, err := NewDataset(s, src, Options{CacheSize: 4})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	entries, err := Scan(context.Background(), ds, 1, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if entries[0].Resolved != 1 || entries[1].Resolved != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if calls := src.calls.Load(); calls != 2 {
		t.Fatalf("expected the skipped-to patch to come from cache, patch reads=%d", calls)
	}
}
