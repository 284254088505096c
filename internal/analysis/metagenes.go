package analysis

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"histonet/internal/logging"
	"histonet/internal/tensor"
)

// ExperimentST is the only experiment kind with metagene profiles.
const ExperimentST = "ST"

const (
	SortByMean  = "mean"
	SortByInvCV = "invcv"

	rankedHigh = 30
	rankedLow  = 15
)

var ErrUnknownExperiment = errors.New("metagene profiles not implemented for experiment")

// GeneStat is the log2-fold change of one gene in a metagene.
type GeneStat struct {
	Gene   string
	Mean   float64
	Stddev float64
}

// InvCV is the inverse coefficient of variation, mean over stddev.
func (g GeneStat) InvCV() float64 { return g.Mean / g.Stddev }

type Profile struct {
	Metagene string
	Genes    []GeneStat
}

type ProfileSet struct {
	Experiment string
	Profiles   []Profile
}

// Draws are posterior samples of one metagene, one row per draw and one
// column per gene.
type Draws struct {
	Metagene string
	Samples  *mat.Dense
}

// ComputeProfiles summarizes the draws of every metagene of an experiment.
func ComputeProfiles(experiment string, genes []string, draws []Draws) (ProfileSet, error) {
	if experiment != ExperimentST {
		return ProfileSet{}, fmt.Errorf("%w %q", ErrUnknownExperiment, experiment)
	}
	set := ProfileSet{Experiment: experiment}
	for _, d := range draws {
		if d.Samples == nil {
			return ProfileSet{}, fmt.Errorf("metagene %s has no draws", d.Metagene)
		}
		rows, cols := d.Samples.Dims()
		if cols != len(genes) {
			return ProfileSet{}, fmt.Errorf("metagene %s has %d genes, want %d", d.Metagene, cols, len(genes))
		}
		if rows < 2 {
			return ProfileSet{}, fmt.Errorf("metagene %s needs at least two draws, got %d", d.Metagene, rows)
		}
		profile := Profile{Metagene: d.Metagene, Genes: make([]GeneStat, cols)}
		col := make([]float64, rows)
		for j, gene := range genes {
			mat.Col(col, j, d.Samples)
			mean, std := stat.MeanStdDev(col, nil)
			profile.Genes[j] = GeneStat{Gene: gene, Mean: mean, Stddev: std}
		}
		set.Profiles = append(set.Profiles, profile)
	}
	return set, nil
}

// ProfileRecord is one row of the profile table.
type ProfileRecord struct {
	Metagene string  `csv:"metagene"`
	Gene     string  `csv:"gene"`
	Mean     float64 `csv:"mean"`
	Stddev   float64 `csv:"stddev"`
}

// Records flattens set into rows ordered by metagene and gene.
func (s ProfileSet) Records() []ProfileRecord {
	var out []ProfileRecord
	for _, p := range s.Profiles {
		for _, g := range p.Genes {
			out = append(out, ProfileRecord{Metagene: p.Metagene, Gene: g.Gene, Mean: g.Mean, Stddev: g.Stddev})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metagene != out[j].Metagene {
			return out[i].Metagene < out[j].Metagene
		}
		return out[i].Gene < out[j].Gene
	})
	return out
}

func ProfilesFileName(experiment string) string {
	return experiment + "-metagene-log2fold.csv.gz"
}

// WriteProfilesCSV writes the gzip compressed profile table of set.
func WriteProfilesCSV(path string, set ProfileSet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	records := set.Records()
	if err := gocsv.Marshal(&records, gz); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("write profiles %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadProfilesCSV reads a table written by WriteProfilesCSV. Metagenes keep
// the order of their first row.
func ReadProfilesCSV(path, experiment string) (ProfileSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProfileSet{}, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return ProfileSet{}, fmt.Errorf("open gzip %s: %w", path, err)
	}
	defer gz.Close()
	return readProfiles(gz, experiment)
}

func readProfiles(r io.Reader, experiment string) (ProfileSet, error) {
	var records []ProfileRecord
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return ProfileSet{}, fmt.Errorf("read profiles: %w", err)
	}
	set := ProfileSet{Experiment: experiment}
	index := map[string]int{}
	for _, rec := range records {
		i, ok := index[rec.Metagene]
		if !ok {
			i = len(set.Profiles)
			index[rec.Metagene] = i
			set.Profiles = append(set.Profiles, Profile{Metagene: rec.Metagene})
		}
		set.Profiles[i].Genes = append(set.Profiles[i].Genes, GeneStat{Gene: rec.Gene, Mean: rec.Mean, Stddev: rec.Stddev})
	}
	return set, nil
}

// SelectRanked sorts the genes of p ascending by sortBy and keeps the
// numLow lowest followed by the numHigh highest. numLow shrinks so no gene
// is selected twice.
func SelectRanked(p Profile, numHigh, numLow int, sortBy string) ([]GeneStat, error) {
	var key func(GeneStat) float64
	switch sortBy {
	case SortByMean:
		key = func(g GeneStat) float64 { return g.Mean }
	case SortByInvCV:
		key = GeneStat.InvCV
	default:
		return nil, fmt.Errorf("unknown profile sort key %q", sortBy)
	}
	n := len(p.Genes)
	numHigh = max(min(numHigh, n), 0)
	numLow = max(min(n-numHigh, numLow), 0)

	sorted := append([]GeneStat(nil), p.Genes...)
	sort.SliceStable(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })

	out := make([]GeneStat, 0, numLow+numHigh)
	out = append(out, sorted[:numLow]...)
	out = append(out, sorted[n-numHigh:]...)
	return out, nil
}

// profileTitle renders the plot title as metagene='<name>' (<experiment>).
func profileTitle(metagene, experiment string) string {
	return fmt.Sprintf("metagene='%s' (%s)", metagene, experiment)
}

// rankedErrors plots mean +- stddev horizontally, one gene per row.
type rankedErrors []GeneStat

func (r rankedErrors) Len() int                        { return len(r) }
func (r rankedErrors) XY(i int) (float64, float64)     { return r[i].Mean, float64(i) }
func (r rankedErrors) XError(i int) (float64, float64) { return r[i].Stddev, r[i].Stddev }

// ProfilePlot draws the selected genes as horizontal error bars with a
// dashed red line at zero.
func ProfilePlot(title string, rows []GeneStat) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "log2 fold"
	if len(rows) == 0 {
		return p, nil
	}

	bars, err := plotter.NewXErrorBars(rankedErrors(rows))
	if err != nil {
		return nil, err
	}
	bars.LineStyle.Color = color.Black

	zero, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 0, Y: float64(len(rows) - 1)}})
	if err != nil {
		return nil, err
	}
	zero.LineStyle.Color = color.RGBA{R: 0xff, A: 0xff}
	zero.LineStyle.Width = vg.Points(1)
	zero.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(bars, zero)
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Gene
	}
	p.NominalY(names...)
	return p, nil
}

func PlotProfile(path, title string, rows []GeneStat) error {
	p, err := ProfilePlot(title, rows)
	if err != nil {
		return err
	}
	return p.Save(4*vg.Inch, 10*vg.Inch, path)
}

// Metagene is the activation map of one metagene over a slide, [H, W].
type Metagene struct {
	Name string
	Map  *tensor.Tensor
}

type SlideMetagenes struct {
	// Path identifies the slide; its base name names the output directory.
	Path      string
	Metagenes []Metagene
}

type Experiment struct {
	Kind  string
	Draws []Draws
}

type MetageneInput struct {
	Genes       []string
	Slides      []SlideMetagenes
	Experiments []Experiment
}

// MetageneSummary lists what SummarizeMetagenes produced.
type MetageneSummary struct {
	Files    []string
	Profiles []ProfileSet
	Skipped  []string
}

// SummarizeMetagenes writes, under outDir, one directory per slide with
// summary.png and metagene-<name>.png, and per experiment the profile table
// and the ranked profile plots of every metagene. Experiments without
// profile support are logged and skipped.
func SummarizeMetagenes(ctx context.Context, in MetageneInput, outDir, method string, log *zap.Logger) (MetageneSummary, error) {
	log = logging.OrNop(log)
	var summary MetageneSummary
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return summary, fmt.Errorf("create metagene dir: %w", err)
	}

	colors := palette.Heat(256, 1).Colors()
	for _, s := range in.Slides {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		dir := filepath.Join(outDir, filepath.Base(s.Path))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return summary, fmt.Errorf("create slide dir: %w", err)
		}
		files, err := writeSlideMetagenes(dir, s, method, colors)
		summary.Files = append(summary.Files, files...)
		if err != nil {
			return summary, fmt.Errorf("slide %s: %w", s.Path, err)
		}
	}

	for _, exp := range in.Experiments {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		set, err := ComputeProfiles(exp.Kind, in.Genes, exp.Draws)
		if errors.Is(err, ErrUnknownExperiment) {
			log.Warn("metagene profiles for experiment type not implemented", zap.String("experiment", exp.Kind))
			summary.Skipped = append(summary.Skipped, exp.Kind)
			continue
		}
		if err != nil {
			return summary, err
		}
		csvPath := filepath.Join(outDir, ProfilesFileName(exp.Kind))
		if err := WriteProfilesCSV(csvPath, set); err != nil {
			return summary, err
		}
		summary.Files = append(summary.Files, csvPath)
		summary.Profiles = append(summary.Profiles, set)

		for _, p := range set.Profiles {
			title := profileTitle(p.Metagene, exp.Kind)
			for _, sortBy := range []string{SortByInvCV, SortByMean} {
				rows, err := SelectRanked(p, rankedHigh, rankedLow, sortBy)
				if err != nil {
					return summary, err
				}
				path := filepath.Join(outDir, fmt.Sprintf("%s-metagene-%s-%ssort.png", exp.Kind, p.Metagene, sortBy))
				if err := PlotProfile(path, title, rows); err != nil {
					return summary, fmt.Errorf("plot profile %s: %w", p.Metagene, err)
				}
				summary.Files = append(summary.Files, path)
			}
		}
		log.Info("wrote metagene profiles",
			zap.String("experiment", exp.Kind),
			zap.Int("metagenes", len(set.Profiles)),
		)
	}
	return summary, nil
}

func writeSlideMetagenes(dir string, s SlideMetagenes, method string, colors []color.Color) ([]string, error) {
	if len(s.Metagenes) == 0 {
		return nil, nil
	}
	h, w := s.Metagenes[0].Map.Dim(0), s.Metagenes[0].Map.Dim(1)
	stack := tensor.Zeros(1, len(s.Metagenes), h, w)
	plane := h * w
	var files []string
	for i, m := range s.Metagenes {
		if m.Map.Rank() != 2 || m.Map.Dim(0) != h || m.Map.Dim(1) != w {
			return files, fmt.Errorf("metagene %s map %v does not match %dx%d", m.Name, m.Map.Shape(), h, w)
		}
		copy(stack.Data()[i*plane:(i+1)*plane], m.Map.Data())

		scaled, err := ClipTensor(m.Map, Q(0.01))
		if err != nil {
			return files, err
		}
		unit, err := Normalize(mustReshape(scaled, 1, 1, h, w))
		if err != nil {
			return files, err
		}
		path := filepath.Join(dir, fmt.Sprintf("metagene-%s.png", m.Name))
		if err := writeImage(path, colorize(mustReshape(unit, h, w), colors)); err != nil {
			return files, err
		}
		files = append(files, path)
	}

	reduced, err := DimRed(stack, method, min(3, len(s.Metagenes)))
	if err != nil {
		return files, err
	}
	grid, err := VisualizeBatch(reduced, false)
	if err != nil {
		return files, err
	}
	path := filepath.Join(dir, "summary.png")
	if err := WritePNG(path, padChannels(grid)); err != nil {
		return files, err
	}
	return append(files, path), nil
}

func mustReshape(t *tensor.Tensor, shape ...int) *tensor.Tensor {
	out, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return out
}
