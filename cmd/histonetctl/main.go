package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"histonet/internal/analysis"
	"histonet/internal/logging"
	"histonet/internal/slide"
	"histonet/internal/storage"
	"histonet/pkg/histonet"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "inspect":
		return runInspect(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "scan":
		return runScan(ctx, args[1:])
	case "design":
		return runDesign(ctx, args[1:])
	case "analyze":
		return runAnalyze(ctx, args[1:])
	case "metagenes":
		return runMetagenes(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "profiles":
		return runProfiles(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	store    *string
	dbPath   *string
	runsDir  *string
	device   *string
	logLevel *string
	logJSON  *bool
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		store:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:   fs.String("db-path", "histonet.db", "sqlite database path"),
		runsDir:  fs.String("runs-dir", runsDir, "run artifacts directory"),
		device:   fs.String("device", "cpu", "default device of decoded model outputs"),
		logLevel: fs.String("log-level", "info", "log level: debug|info|warn|error"),
		logJSON:  fs.Bool("log-json", false, "emit JSON logs"),
	}
}

func (f *clientFlags) open() (*histonet.Client, func(), error) {
	log, err := logging.NewWithWriters(*f.logLevel, *f.logJSON, os.Stderr, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	client, err := histonet.New(histonet.Options{
		StoreKind:  *f.store,
		DBPath:     *f.dbPath,
		RunsDir:    *f.runsDir,
		ExportsDir: exportsDir,
		Device:     *f.device,
		Logger:     log,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		_ = client.Close()
		_ = log.Sync()
	}
	return client, closeFn, nil
}

type patchFlags struct {
	image      *string
	label      *string
	data       *string
	patch      *int
	stride     *int
	epoch      *int
	seed       *uint64
	maxRetries *int
	cache      *int
}

func addSlideFlags(fs *flag.FlagSet) (image, label, data *string) {
	image = fs.String("image", "", "slide image path (png|jpeg|tiff)")
	label = fs.String("label", "", "label mask path (8/16-bit grayscale)")
	data = fs.String("data", "", "feature table path (csv, optionally .gz)")
	return image, label, data
}

func addPatchFlags(fs *flag.FlagSet) *patchFlags {
	p := &patchFlags{}
	p.image, p.label, p.data = addSlideFlags(fs)
	p.patch = fs.Int("patch", 256, "patch edge length in pixels")
	p.stride = fs.Int("stride", 0, "grid stride; 0 selects seeded random crops")
	p.epoch = fs.Int("epoch", 1000, "random crops per epoch")
	p.seed = fs.Uint64("seed", 1, "random crop seed")
	p.maxRetries = fs.Int("max-retries", 0, "following patches tried when a patch has no complete object (0 = one full pass)")
	p.cache = fs.Int("cache", 16, "processed samples kept in memory (0 disables)")
	return p
}

func (p *patchFlags) request() histonet.PatchRequest {
	return histonet.PatchRequest{
		Slide:      slide.Spec{ImagePath: *p.image, LabelPath: *p.label, DataPath: *p.data},
		PatchSize:  *p.patch,
		Stride:     *p.stride,
		Epoch:      *p.epoch,
		Seed:       *p.seed,
		MaxRetries: *p.maxRetries,
		CacheSize:  *p.cache,
	}
}

func parseFlags(fs *flag.FlagSet, configPath *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%s: unexpected arguments: %s", fs.Name(), strings.Join(fs.Args(), " "))
	}
	if configPath == nil {
		return nil
	}
	return applyConfig(fs, *configPath)
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config with flag values")
	image, label, data := addSlideFlags(fs)
	cf := addClientFlags(fs)
	if err := parseFlags(fs, configPath, args); err != nil {
		return err
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Inspect(ctx, slide.Spec{ImagePath: *image, LabelPath: *label, DataPath: *data})
	if err != nil {
		return err
	}
	fmt.Printf("slide_id=%s width=%d height=%d pixels=%s objects=%s genes=%d\n",
		summary.SlideID,
		summary.Width,
		summary.Height,
		humanize.Comma(int64(summary.Width)*int64(summary.Height)),
		humanize.Comma(int64(summary.Objects)),
		summary.Genes,
	)
	return nil
}

func runSample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config with flag values")
	pf := addPatchFlags(fs)
	index := fs.Int("index", 0, "sample index")
	outDir := fs.String("out", "sample", "output directory")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, configPath, args); err != nil {
		return err
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Sample(ctx, histonet.SampleRequest{
		PatchRequest: pf.request(),
		Index:        *index,
		OutDir:       *outDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("sample index=%d resolved=%d objects=%d out=%s\n", summary.Requested, summary.Resolved, summary.Objects, *outDir)
	return nil
}

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config with flag values")
	pf := addPatchFlags(fs)
	workers := fs.Int("workers", 4, "concurrent readers")
	progress := fs.Bool("progress", true, "show a progress bar on stderr")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, configPath, args); err != nil {
		return err
	}
	if *workers <= 0 {
		return errors.New("workers must be > 0")
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	req := histonet.ScanRequest{PatchRequest: pf.request(), Workers: *workers}
	if *progress {
		req.Progress = os.Stderr
	}
	summary, err := client.Scan(ctx, req)
	if err != nil {
		return err
	}
	r := summary.Report
	fmt.Printf("run_id=%s patches=%d retried=%d max_skipped=%d mean_objects=%.3f objects_p50=%.1f mean_coverage=%.3f artifacts=%s\n",
		summary.RunID,
		r.Patches,
		r.Retried,
		r.MaxSkipped,
		r.MeanObjects,
		r.ObjectsP50,
		r.MeanCoverage,
		summary.ArtifactsDir,
	)
	return nil
}

func runDesign(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("design", flag.ContinueOnError)
	in := fs.String("in", "", "design JSON: sample id -> covariate -> value")
	covariates := fs.String("covariates", "", `declared categories, e.g. "batch=a,b;sex=f,m"`)
	out := fs.String("out", "design.csv", "output CSV path")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, nil, args); err != nil {
		return err
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Design(ctx, histonet.DesignRequest{InputPath: *in, Covariates: *covariates, OutPath: *out})
	if err != nil {
		return err
	}
	fmt.Printf("design rows=%d samples=%d out=%s\n", summary.Rows, summary.Samples, summary.Path)
	return nil
}

func runAnalyze(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config with flag values")
	outputs := fs.String("outputs", "", "model outputs JSON path")
	outDir := fs.String("out", "analysis", "output directory")
	seed := fs.Uint64("seed", 1, "seed of the sampled H&E image")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, configPath, args); err != nil {
		return err
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Analyze(ctx, histonet.AnalyzeRequest{OutputsPath: *outputs, OutDir: *outDir, Seed: *seed})
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s files=%d out=%s\n", summary.RunID, len(summary.Files), *outDir)
	return nil
}

func runMetagenes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("metagenes", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional JSON config with flag values")
	in := fs.String("in", "", "metagene input JSON path")
	outDir := fs.String("out", "metagenes", "output directory")
	method := fs.String("method", analysis.MethodPCA, "summary projection: pca|tsne")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, configPath, args); err != nil {
		return err
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Metagenes(ctx, histonet.MetagenesRequest{InputPath: *in, OutDir: *outDir, Method: *method})
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s files=%d experiments=%s skipped=%s\n",
		summary.RunID,
		len(summary.Files),
		strings.Join(summary.Experiments, ","),
		strings.Join(summary.Skipped, ","),
	)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	kind := fs.String("kind", "", "only list runs of this kind: scan|analyze|metagenes")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, nil, args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	items, err := client.Runs(ctx, histonet.RunsRequest{Limit: *limit, Kind: *kind})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runsItem struct {
			RunID        string `json:"run_id"`
			Kind         string `json:"kind"`
			SlideID      string `json:"slide_id,omitempty"`
			OutputDir    string `json:"output_dir"`
			Files        int    `json:"files"`
			CreatedAtUTC string `json:"created_at_utc"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem(item))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s kind=%s created_at=%s files=%d out=%s\n",
			item.RunID,
			item.Kind,
			item.CreatedAtUTC,
			item.Files,
			item.OutputDir,
		)
	}
	return nil
}

func runProfiles(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)
	runID := fs.String("run-id", "", "metagenes run id")
	limit := fs.Int("limit", 10, "max rows printed per experiment")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, nil, args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("profiles requires --run-id")
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	sets, err := client.Profiles(ctx, *runID)
	if err != nil {
		return err
	}
	for _, set := range sets {
		fmt.Printf("experiment=%s rows=%d\n", set.Experiment, len(set.Rows))
		for i, row := range set.Rows {
			if i >= *limit {
				break
			}
			fmt.Printf("  metagene=%s gene=%s mean=%.6f stddev=%.6f\n", row.Metagene, row.Gene, row.Mean, row.Stddev)
		}
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	cf := addClientFlags(fs)
	if err := parseFlags(fs, nil, args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, closeFn, err := cf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Export(ctx, histonet.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, summary.Directory)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: histonetctl <inspect|sample|scan|design|analyze|metagenes|runs|profiles|export> [flags]", msg)
}
