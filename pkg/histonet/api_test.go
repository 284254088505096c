package histonet

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"histonet/internal/slide"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:  "memory",
		RunsDir:    filepath.Join(base, "runs"),
		ExportsDir: filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

// writeSlide writes an 8x8 slide with an interior object in the top left
// quadrant, one in the bottom right quadrant and one touching the bottom
// left border.
func writeSlide(t *testing.T, dir string) slide.Spec {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(20 * x), G: uint8(20 * y), B: 90, A: 255})
		}
	}
	rows := make([][]uint32, 8)
	for y := range rows {
		rows[y] = make([]uint32, 8)
	}
	rows[1][1], rows[1][2], rows[2][1], rows[2][2] = 1, 1, 1, 1
	rows[5][5] = 2
	rows[7][0] = 3
	mask, err := slide.LabelMaskFromRows(rows)
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	gray, err := slide.LabelMaskImage(mask)
	if err != nil {
		t.Fatalf("label image: %v", err)
	}

	spec := slide.Spec{
		ImagePath: filepath.Join(dir, "he.png"),
		LabelPath: filepath.Join(dir, "label.png"),
		DataPath:  filepath.Join(dir, "data.csv"),
	}
	if err := writePNG(spec.ImagePath, img); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := writePNG(spec.LabelPath, gray); err != nil {
		t.Fatalf("write label: %v", err)
	}
	if err := os.WriteFile(spec.DataPath, []byte(",a,b\n1,1,10\n2,2,20\n3,3,30\n"), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	return spec
}

func TestClientInspectRecordsSlide(t *testing.T) {
	client, base := newTestClient(t)
	spec := writeSlide(t, base)

	summary, err := client.Inspect(context.Background(), spec)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if summary.SlideID == "" {
		t.Fatal("expected slide id")
	}
	if summary.Width != 8 || summary.Height != 8 || summary.Objects != 3 || summary.Genes != 2 {
		t.Fatalf("unexpected slide summary: %+v", summary)
	}
	record, ok, err := client.store.GetSlide(context.Background(), summary.SlideID)
	if err != nil || !ok {
		t.Fatalf("slide not stored: ok=%t err=%v", ok, err)
	}
	if record.ImagePath != spec.ImagePath || record.SchemaVersion == 0 {
		t.Fatalf("unexpected slide record: %+v", record)
	}
}

func TestClientSampleSkipsEmptyPatches(t *testing.T) {
	client, base := newTestClient(t)
	spec := writeSlide(t, base)
	outDir := filepath.Join(base, "sample")

	summary, err := client.Sample(context.Background(), SampleRequest{
		PatchRequest: PatchRequest{Slide: spec, PatchSize: 4, Stride: 4},
		Index:        1,
		OutDir:       outDir,
	})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if summary.Resolved != 3 || summary.Objects != 1 {
		t.Fatalf("unexpected sample summary: %+v", summary)
	}
	data, err := os.ReadFile(filepath.Join(outDir, "data.csv"))
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if string(data) != "label,object_id,a,b\n1,2,2,20\n" {
		t.Fatalf("unexpected sample data: %q", data)
	}
	for _, name := range []string{"image.png", "label.png"} {
		f, err := os.Open(filepath.Join(outDir, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
			t.Fatalf("unexpected %s size: %v", name, img.Bounds())
		}
	}

	if _, err := client.Sample(context.Background(), SampleRequest{
		PatchRequest: PatchRequest{Slide: spec, PatchSize: 16, Stride: 4},
		OutDir:       outDir,
	}); err == nil {
		t.Fatal("expected oversized patch error")
	}
}

func TestClientScanRunsAndExport(t *testing.T) {
	client, base := newTestClient(t)
	spec := writeSlide(t, base)

	var progress bytes.Buffer
	summary, err := client.Scan(context.Background(), ScanRequest{
		PatchRequest: PatchRequest{Slide: spec, PatchSize: 4, Stride: 4, CacheSize: 8},
		Workers:      2,
		Progress:     &progress,
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.RunID == "" || summary.SlideID == "" {
		t.Fatalf("expected run and slide ids: %+v", summary)
	}
	report := summary.Report
	if report.Patches != 4 || report.Retried != 2 || report.MaxSkipped != 2 || report.DistinctIndex != 2 {
		t.Fatalf("unexpected scan report: %+v", report)
	}
	if !strings.Contains(progress.String(), "scanning patches") {
		t.Fatalf("expected progress output, got %q", progress.String())
	}

	runs, err := client.Runs(context.Background(), RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Kind != "scan" || runs[0].Files != 3 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].SlideID != summary.SlideID {
		t.Fatalf("scan run must reference its slide: %+v", runs[0])
	}

	exported, err := client.Export(context.Background(), ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != summary.RunID {
		t.Fatalf("unexpected exported run: %+v", exported)
	}
	for _, name := range []string{"config.json", "files.json", "scan.csv", "scan-percentiles.png"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, name)); err != nil {
			t.Fatalf("expected exported %s: %v", name, err)
		}
	}

	if _, err := client.Export(context.Background(), ExportRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected conflicting export selector error")
	}
}

func TestClientDesign(t *testing.T) {
	client, base := newTestClient(t)
	in := filepath.Join(base, "design.json")
	if err := os.WriteFile(in, []byte(`{"s1":{"batch":"a"},"s2":{"batch":"b"}}`), 0o644); err != nil {
		t.Fatalf("write design: %v", err)
	}
	out := filepath.Join(base, "design.csv")

	summary, err := client.Design(context.Background(), DesignRequest{
		InputPath:  in,
		Covariates: "batch=a,b,c",
		OutPath:    out,
	})
	if err != nil {
		t.Fatalf("design: %v", err)
	}
	if summary.Rows != 3 || summary.Samples != 2 {
		t.Fatalf("unexpected design summary: %+v", summary)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected design csv: %v", err)
	}
}

func randomTensor(r *rand.Rand, device string, shape ...int) *TensorJSON {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = r.Float64()
	}
	return &TensorJSON{Shape: shape, Data: data, Device: device}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestClientAnalyzeRecordsRun(t *testing.T) {
	client, base := newTestClient(t)
	r := rand.New(rand.NewPCG(1, 2))
	genes := []string{"g1", "g2", "g3"}
	path := filepath.Join(base, "outputs.json")
	writeJSON(t, path, OutputsFile{
		Genes: genes,
		Z:     randomTensor(r, "cuda:0", 1, 4, 5, 5),
		Mu:    randomTensor(r, "cuda:0", 1, 3, 5, 5),
		Sd:    randomTensor(r, "", 1, 3, 5, 5),
		Rate:  randomTensor(r, "", 1, 3, 5, 5),
		Logit: randomTensor(r, "", 3),
		State: randomTensor(r, "", 1, 2, 5, 5),
	})
	outDir := filepath.Join(base, "analysis")

	summary, err := client.Analyze(context.Background(), AnalyzeRequest{OutputsPath: path, OutDir: outDir, Seed: 3})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(summary.Files) != 7 {
		t.Fatalf("unexpected analysis files: %v", summary.Files)
	}
	if _, err := os.Stat(filepath.Join(outDir, "genes-rel.pdf")); err != nil {
		t.Fatalf("expected gene pdf: %v", err)
	}

	runs, err := client.Runs(context.Background(), RunsRequest{Kind: "analyze"})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].OutputDir != outDir {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	writeJSON(t, path, OutputsFile{Genes: genes})
	if _, err := client.Analyze(context.Background(), AnalyzeRequest{OutputsPath: path, OutDir: outDir}); err == nil {
		t.Fatal("expected missing output error")
	}
}

func TestClientMetagenesStoresProfiles(t *testing.T) {
	client, base := newTestClient(t)
	r := rand.New(rand.NewPCG(5, 6))
	genes := []string{"g1", "g2"}
	draws := func(name string) DrawsJSON {
		d := DrawsJSON{Metagene: name}
		for i := 0; i < 4; i++ {
			d.Samples = append(d.Samples, []float64{r.NormFloat64(), 1 + r.NormFloat64()})
		}
		return d
	}
	path := filepath.Join(base, "metagenes.json")
	writeJSON(t, path, MetagenesFile{
		Genes: genes,
		Slides: []SlideMetagenesJSON{{
			Path: "slides/section1",
			Metagenes: []MetageneJSON{
				{Name: "0", Map: randomTensor(r, "", 4, 4)},
				{Name: "1", Map: randomTensor(r, "", 4, 4)},
			},
		}},
		Experiments: []ExperimentJSON{
			{Kind: "ST", Draws: []DrawsJSON{draws("0"), draws("1")}},
			{Kind: "Visium"},
		},
	})

	summary, err := client.Metagenes(context.Background(), MetagenesRequest{
		InputPath: path,
		OutDir:    filepath.Join(base, "metagenes"),
	})
	if err != nil {
		t.Fatalf("metagenes: %v", err)
	}
	if len(summary.Experiments) != 1 || summary.Experiments[0] != "ST" {
		t.Fatalf("unexpected experiments: %+v", summary)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0] != "Visium" {
		t.Fatalf("unexpected skipped experiments: %+v", summary.Skipped)
	}

	sets, err := client.Profiles(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Rows) != 4 {
		t.Fatalf("unexpected stored profiles: %+v", sets)
	}
	if sets[0].Rows[0].Metagene != "0" || sets[0].Rows[0].Gene != "g1" {
		t.Fatalf("profile rows must be ordered by metagene and gene: %+v", sets[0].Rows)
	}
	if _, err := client.Profiles(context.Background(), "missing"); err == nil {
		t.Fatal("expected missing profiles error")
	}
}
