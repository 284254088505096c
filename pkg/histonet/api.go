package histonet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"histonet/internal/analysis"
	"histonet/internal/design"
	"histonet/internal/logging"
	"histonet/internal/model"
	"histonet/internal/session"
	"histonet/internal/slide"
	"histonet/internal/stats"
	"histonet/internal/storage"
	"histonet/internal/tensor"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "histonet.db"
	defaultPatchSize  = 256
	defaultEpoch      = 1000
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	// Device is where decoded model outputs are placed when their file
	// does not name one.
	Device string
	Logger *zap.Logger
}

type Client struct {
	store       storage.Store
	sess        *session.Session
	log         *zap.Logger
	initialized bool

	runsDir    string
	exportsDir string
}

// PatchRequest selects a slide and how patches are cut from it. Grid crops
// are used when Stride is positive, seeded random crops otherwise.
// CacheSize keeps that many processed samples in an LRU cache.
type PatchRequest struct {
	Slide      slide.Spec
	PatchSize  int
	Stride     int
	Epoch      int
	Seed       uint64
	MaxRetries int
	CacheSize  int
}

type SlideSummary struct {
	SlideID string
	Width   int
	Height  int
	Objects int
	Genes   int
}

type SampleRequest struct {
	PatchRequest
	Index  int
	OutDir string
}

type SampleSummary struct {
	Requested int
	Resolved  int
	Objects   int
	Files     []string
}

type ScanRequest struct {
	PatchRequest
	Workers int
	// Progress receives a progress bar when set.
	Progress io.Writer
}

type ScanSummary struct {
	RunID        string
	SlideID      string
	ArtifactsDir string
	Report       stats.ScanSummary
}

type DesignRequest struct {
	InputPath  string
	Covariates string
	OutPath    string
}

type DesignSummary struct {
	Rows    int
	Samples int
	Path    string
}

type AnalyzeRequest struct {
	OutputsPath string
	OutDir      string
	Seed        uint64
}

type RunSummary struct {
	RunID string
	Files []string
}

type MetagenesRequest struct {
	InputPath string
	OutDir    string
	Method    string
}

type MetagenesSummary struct {
	RunID       string
	Files       []string
	Experiments []string
	Skipped     []string
}

type RunsRequest struct {
	Limit int
	Kind  string
}

type RunItem struct {
	RunID        string
	Kind         string
	SlideID      string
	OutputDir    string
	Files        int
	CreatedAtUTC string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	log := logging.OrNop(opts.Logger)
	return &Client{
		store: store,
		sess: session.New(
			session.WithDevice(tensor.Device(opts.Device)),
			session.WithEval(true),
			session.WithLogger(log),
		),
		log:        log,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Inspect opens a slide and records it.
func (c *Client) Inspect(ctx context.Context, spec slide.Spec) (SlideSummary, error) {
	s, err := slide.Open(ctx, spec, c.log)
	if err != nil {
		return SlideSummary{}, err
	}
	id, err := c.saveSlide(ctx, spec, s)
	if err != nil {
		return SlideSummary{}, err
	}
	return SlideSummary{
		SlideID: id,
		Width:   s.Width(),
		Height:  s.Height(),
		Objects: s.Objects(),
		Genes:   len(s.Genes()),
	}, nil
}

// Sample writes image.png, label.png and data.csv for one dataset sample.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (SampleSummary, error) {
	if req.OutDir == "" {
		return SampleSummary{}, errors.New("sample output directory is required")
	}
	s, ds, err := c.openDataset(ctx, req.PatchRequest)
	if err != nil {
		return SampleSummary{}, err
	}
	sample, err := ds.Get(ctx, req.Index)
	if err != nil {
		return SampleSummary{}, err
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return SampleSummary{}, err
	}

	files := []string{
		filepath.Join(req.OutDir, "image.png"),
		filepath.Join(req.OutDir, "label.png"),
		filepath.Join(req.OutDir, "data.csv"),
	}
	if err := writePNG(files[0], slide.SampleImage(sample)); err != nil {
		return SampleSummary{}, err
	}
	if err := writePNG(files[1], slide.LabelOverlay(sample)); err != nil {
		return SampleSummary{}, err
	}
	f, err := os.Create(files[2])
	if err != nil {
		return SampleSummary{}, err
	}
	if err := slide.WriteSampleData(f, sample, s.Genes()); err != nil {
		f.Close()
		return SampleSummary{}, fmt.Errorf("write sample data: %w", err)
	}
	if err := f.Close(); err != nil {
		return SampleSummary{}, err
	}

	c.log.Info("wrote sample",
		zap.Int("index", req.Index),
		zap.Int("resolved", sample.Index),
		zap.Int("objects", sample.Objects()),
		zap.String("dir", req.OutDir),
	)
	return SampleSummary{
		Requested: req.Index,
		Resolved:  sample.Index,
		Objects:   sample.Objects(),
		Files:     files,
	}, nil
}

// Scan retrieves every patch of the dataset and stores a scan report as a
// run.
func (c *Client) Scan(ctx context.Context, req ScanRequest) (ScanSummary, error) {
	s, ds, err := c.openDataset(ctx, req.PatchRequest)
	if err != nil {
		return ScanSummary{}, err
	}
	slideID, err := c.saveSlide(ctx, req.Slide, s)
	if err != nil {
		return ScanSummary{}, err
	}

	var done func()
	var bar *progressbar.ProgressBar
	if req.Progress != nil {
		bar = progressbar.NewOptions(ds.Len(),
			progressbar.OptionSetWriter(req.Progress),
			progressbar.OptionSetDescription("scanning patches"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(req.Progress) }),
		)
		done = func() { _ = bar.Add(1) }
	}

	started := time.Now()
	entries, err := slide.Scan(ctx, ds, req.Workers, done)
	if err != nil {
		return ScanSummary{}, err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	runID := uuid.NewString()
	runDir := filepath.Join(c.runsDir, runID)
	patch := c.patchSize(req.PatchRequest)
	report, files, err := stats.WriteScanReport(runDir, entries, patch*patch)
	if err != nil {
		return ScanSummary{}, err
	}
	cfg := c.runConfig(runID, model.RunKindScan, runDir)
	cfg.ImagePath, cfg.LabelPath, cfg.DataPath = req.Slide.ImagePath, req.Slide.LabelPath, req.Slide.DataPath
	cfg.PatchSize, cfg.Stride, cfg.Workers, cfg.Seed = patch, req.Stride, req.Workers, req.Seed
	if _, err := c.recordRun(ctx, cfg, slideID, files); err != nil {
		return ScanSummary{}, err
	}

	c.log.Info("scan finished",
		zap.String("run_id", runID),
		zap.Int("patches", report.Patches),
		zap.Int("retried", report.Retried),
		zap.Duration("elapsed", time.Since(started)),
	)
	return ScanSummary{RunID: runID, SlideID: slideID, ArtifactsDir: runDir, Report: report}, nil
}

// Design builds the one-hot design matrix of a design file and writes it as
// CSV.
func (c *Client) Design(_ context.Context, req DesignRequest) (DesignSummary, error) {
	if req.InputPath == "" || req.OutPath == "" {
		return DesignSummary{}, errors.New("design input and output paths are required")
	}
	values, err := design.ReadDesignFile(req.InputPath)
	if err != nil {
		return DesignSummary{}, err
	}
	covariates, err := design.ParseCovariates(req.Covariates)
	if err != nil {
		return DesignSummary{}, err
	}
	matrix, err := design.FromDesign(c.log, values, covariates)
	if err != nil {
		return DesignSummary{}, err
	}

	f, err := os.Create(req.OutPath)
	if err != nil {
		return DesignSummary{}, err
	}
	if err := design.WriteCSV(f, matrix); err != nil {
		f.Close()
		return DesignSummary{}, fmt.Errorf("write design matrix: %w", err)
	}
	if err := f.Close(); err != nil {
		return DesignSummary{}, err
	}
	rows, samples := matrix.Dims()
	return DesignSummary{Rows: rows, Samples: samples, Path: req.OutPath}, nil
}

// Analyze renders the model outputs stored in req.OutputsPath.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (RunSummary, error) {
	if req.OutputsPath == "" || req.OutDir == "" {
		return RunSummary{}, errors.New("analyze requires an outputs file and an output directory")
	}
	var file OutputsFile
	if err := readJSONFile(req.OutputsPath, &file); err != nil {
		return RunSummary{}, err
	}
	outputs, err := file.outputs(c.sess.DefaultDevice)
	if err != nil {
		return RunSummary{}, err
	}
	host, err := c.toHost(outputs)
	if err != nil {
		return RunSummary{}, err
	}

	files, err := analysis.Analyze(ctx, host, file.Genes, req.OutDir, analysis.AnalyzeOptions{
		Seed:   req.Seed,
		Logger: c.log,
	})
	if err != nil {
		return RunSummary{}, err
	}

	runID := uuid.NewString()
	cfg := c.runConfig(runID, model.RunKindAnalyze, req.OutDir)
	cfg.InputPath, cfg.Seed = req.OutputsPath, req.Seed
	if _, err := c.recordRun(ctx, cfg, "", files); err != nil {
		return RunSummary{}, err
	}
	return RunSummary{RunID: runID, Files: files}, nil
}

// toHost moves outputs to the CPU for rendering.
func (c *Client) toHost(o analysis.Outputs) (analysis.Outputs, error) {
	named := map[string]any{
		"z": o.Z, "mu": o.Mu, "sd": o.Sd, "rate": o.Rate, "logit": o.Logit, "state": o.State,
	}
	dev, err := tensor.MustFindDevice(named)
	if err != nil {
		return analysis.Outputs{}, err
	}
	if dev != tensor.CPU {
		c.log.Debug("copying model outputs to host", zap.String("device", string(dev)))
	}
	host := tensor.ToDevice(named, tensor.CPU).(map[string]any)
	return analysis.Outputs{
		Z:     host["z"].(*tensor.Tensor),
		Mu:    host["mu"].(*tensor.Tensor),
		Sd:    host["sd"].(*tensor.Tensor),
		Rate:  host["rate"].(*tensor.Tensor),
		Logit: host["logit"].(*tensor.Tensor),
		State: host["state"].(*tensor.Tensor),
	}, nil
}

// Metagenes writes metagene summaries and profiles and stores the profiles
// under a new run.
func (c *Client) Metagenes(ctx context.Context, req MetagenesRequest) (MetagenesSummary, error) {
	if req.InputPath == "" || req.OutDir == "" {
		return MetagenesSummary{}, errors.New("metagenes requires an input file and an output directory")
	}
	if req.Method == "" {
		req.Method = analysis.MethodPCA
	}
	var file MetagenesFile
	if err := readJSONFile(req.InputPath, &file); err != nil {
		return MetagenesSummary{}, err
	}
	in, err := file.input(c.sess.DefaultDevice)
	if err != nil {
		return MetagenesSummary{}, err
	}
	for i, s := range in.Slides {
		for j, m := range s.Metagenes {
			in.Slides[i].Metagenes[j].Map = m.Map.To(tensor.CPU)
		}
	}

	result, err := analysis.SummarizeMetagenes(ctx, in, req.OutDir, req.Method, c.log)
	if err != nil {
		return MetagenesSummary{}, err
	}

	runID := uuid.NewString()
	if err := c.Init(ctx); err != nil {
		return MetagenesSummary{}, err
	}
	summary := MetagenesSummary{RunID: runID, Files: result.Files, Skipped: result.Skipped}
	for _, set := range result.Profiles {
		record := model.ProfileSet{
			VersionedRecord: storage.Versioned(),
			RunID:           runID,
			Experiment:      set.Experiment,
		}
		for _, r := range set.Records() {
			record.Rows = append(record.Rows, model.ProfileRow{
				Metagene: r.Metagene,
				Gene:     r.Gene,
				Mean:     r.Mean,
				Stddev:   r.Stddev,
			})
		}
		if err := c.store.SaveProfiles(ctx, record); err != nil {
			return MetagenesSummary{}, err
		}
		summary.Experiments = append(summary.Experiments, set.Experiment)
	}

	cfg := c.runConfig(runID, model.RunKindMetagenes, req.OutDir)
	cfg.InputPath, cfg.Method = req.InputPath, req.Method
	if _, err := c.recordRun(ctx, cfg, "", result.Files); err != nil {
		return MetagenesSummary{}, err
	}
	return summary, nil
}

// Profiles returns the metagene profiles stored for a run.
func (c *Client) Profiles(ctx context.Context, runID string) ([]model.ProfileSet, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	sets, ok, err := c.store.GetProfiles(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no profiles stored for run %s", runID)
	}
	return sets, nil
}

// Runs lists stored runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RunItem, 0, min(len(runs), req.Limit))
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		r := runs[i]
		if req.Kind != "" && r.Kind != req.Kind {
			continue
		}
		out = append(out, RunItem{
			RunID:        r.ID,
			Kind:         r.Kind,
			SlideID:      r.SlideID,
			OutputDir:    r.OutputDir,
			Files:        len(r.Files),
			CreatedAtUTC: r.CreatedAtUTC,
		})
	}
	return out, nil
}

// Export copies the artifacts of a run out of the runs directory.
func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) patchSize(req PatchRequest) int {
	if req.PatchSize <= 0 {
		return defaultPatchSize
	}
	return req.PatchSize
}

func (c *Client) openDataset(ctx context.Context, req PatchRequest) (*slide.Slide, *slide.Dataset, error) {
	s, err := slide.Open(ctx, req.Slide, c.log)
	if err != nil {
		return nil, nil, err
	}
	size := image.Pt(c.patchSize(req), c.patchSize(req))

	var source slide.PatchSource
	if req.Stride > 0 {
		source, err = slide.NewGridCrop(s, size, image.Pt(req.Stride, req.Stride))
	} else {
		epoch := req.Epoch
		if epoch <= 0 {
			epoch = defaultEpoch
		}
		source, err = slide.NewRandomCrop(s, size, epoch, req.Seed)
	}
	if err != nil {
		return nil, nil, err
	}

	ds, err := slide.NewDataset(s, source, slide.Options{
		MaxRetries: req.MaxRetries,
		CacheSize:  req.CacheSize,
		Logger:     c.log,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, ds, nil
}

func (c *Client) saveSlide(ctx context.Context, spec slide.Spec, s *slide.Slide) (string, error) {
	if err := c.Init(ctx); err != nil {
		return "", err
	}
	record := model.SlideRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.NewString(),
		ImagePath:       spec.ImagePath,
		LabelPath:       spec.LabelPath,
		DataPath:        spec.DataPath,
		Width:           s.Width(),
		Height:          s.Height(),
		Objects:         s.Objects(),
		Genes:           len(s.Genes()),
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.SaveSlide(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (c *Client) runConfig(runID, kind, outDir string) stats.RunConfig {
	return stats.RunConfig{
		RunID:     runID,
		Kind:      kind,
		Device:    string(c.sess.DefaultDevice),
		OutputDir: outDir,
	}
}

// recordRun stores the run and writes its artifacts and index entry under
// the runs directory.
func (c *Client) recordRun(ctx context.Context, cfg stats.RunConfig, slideID string, files []string) (model.AnalysisRun, error) {
	if err := c.Init(ctx); err != nil {
		return model.AnalysisRun{}, err
	}
	run := model.AnalysisRun{
		VersionedRecord: storage.Versioned(),
		ID:              cfg.RunID,
		Kind:            cfg.Kind,
		SlideID:         slideID,
		OutputDir:       cfg.OutputDir,
		Files:           append([]string(nil), files...),
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return model.AnalysisRun{}, err
	}
	if _, err := stats.WriteRunArtifacts(c.runsDir, cfg, files); err != nil {
		return model.AnalysisRun{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:        run.ID,
		Kind:         run.Kind,
		OutputDir:    run.OutputDir,
		Files:        len(files),
		CreatedAtUTC: run.CreatedAtUTC,
	}); err != nil {
		return model.AnalysisRun{}, err
	}
	return run, nil
}

func writePNG(path string, img image.Image) error {
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
