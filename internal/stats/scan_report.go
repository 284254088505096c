package stats

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	mstats "github.com/montanaflynn/stats"
	chart "github.com/wcharczuk/go-chart"

	"histonet/internal/slide"
)

// ScanSummary aggregates the entries of a dataset scan.
type ScanSummary struct {
	Patches       int     `json:"patches"`
	Retried       int     `json:"retried"`
	MaxSkipped    int     `json:"max_skipped"`
	MeanObjects   float64 `json:"mean_objects"`
	ObjectsP10    float64 `json:"objects_p10"`
	ObjectsP50    float64 `json:"objects_p50"`
	ObjectsP90    float64 `json:"objects_p90"`
	MeanCoverage  float64 `json:"mean_coverage"`
	DistinctIndex int     `json:"distinct_resolved"`
}

// SummarizeScan uses nearest-rank percentiles, defined for any non-empty scan.
func SummarizeScan(entries []slide.ScanEntry, patchPixels int) (ScanSummary, error) {
	summary := ScanSummary{Patches: len(entries)}
	if len(entries) == 0 {
		return summary, nil
	}
	objects := make([]float64, len(entries))
	coverage := make([]float64, len(entries))
	resolved := make(map[int]struct{})
	for i, e := range entries {
		objects[i] = float64(e.Objects)
		if patchPixels > 0 {
			coverage[i] = float64(e.Foreground) / float64(patchPixels)
		}
		if e.Skipped > 0 {
			summary.Retried++
		}
		summary.MaxSkipped = max(summary.MaxSkipped, e.Skipped)
		resolved[e.Resolved] = struct{}{}
	}
	summary.DistinctIndex = len(resolved)

	var err error
	if summary.MeanObjects, err = mstats.Mean(objects); err != nil {
		return summary, err
	}
	if summary.MeanCoverage, err = mstats.Mean(coverage); err != nil {
		return summary, err
	}
	for _, p := range []struct {
		percent float64
		dst     *float64
	}{{10, &summary.ObjectsP10}, {50, &summary.ObjectsP50}, {90, &summary.ObjectsP90}} {
		if *p.dst, err = mstats.PercentileNearestRank(objects, p.percent); err != nil {
			return summary, fmt.Errorf("objects p%.0f: %w", p.percent, err)
		}
	}
	return summary, nil
}

func WriteScanCSV(path string, entries []slide.ScanEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&entries, f); err != nil {
		f.Close()
		return fmt.Errorf("write scan table: %w", err)
	}
	return f.Close()
}

func ReadScanCSV(path string) ([]slide.ScanEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []slide.ScanEntry
	if err := gocsv.UnmarshalFile(f, &entries); err != nil {
		return nil, fmt.Errorf("read scan table: %w", err)
	}
	return entries, nil
}

// WriteScanChart plots the percentiles of object count and skip distance.
func WriteScanChart(path string, entries []slide.ScanEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no scan entries to chart")
	}
	objects := make([]float64, len(entries))
	skipped := make([]float64, len(entries))
	for i, e := range entries {
		objects[i] = float64(e.Objects)
		skipped[i] = float64(e.Skipped)
	}

	var percents []float64
	for p := 5.0; p <= 100; p += 5 {
		percents = append(percents, p)
	}
	maxY := 1.0
	var series []chart.Series
	for i, s := range []struct {
		name   string
		values []float64
	}{{"objects", objects}, {"skipped indices", skipped}} {
		ys := make([]float64, len(percents))
		for j, p := range percents {
			v, err := mstats.PercentileNearestRank(s.values, p)
			if err != nil {
				return fmt.Errorf("%s p%.0f: %w", s.name, p, err)
			}
			ys[j] = v
			maxY = max(maxY, v)
		}
		series = append(series, chart.ContinuousSeries{
			Name:    s.name,
			XValues: percents,
			YValues: ys,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(i),
			},
		})
	}

	graph := chart.Chart{
		Title:      fmt.Sprintf("Patch scan (%d patches)", len(entries)),
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "percentile",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxis: chart.YAxis{
			Name:      "count",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: maxY * 1.1},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		return fmt.Errorf("render scan chart: %w", err)
	}
	return f.Close()
}

// WriteScanReport writes scan.csv, scan_summary.json and
// scan-percentiles.png to runDir.
func WriteScanReport(runDir string, entries []slide.ScanEntry, patchPixels int) (ScanSummary, []string, error) {
	summary, err := SummarizeScan(entries, patchPixels)
	if err != nil {
		return summary, nil, err
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return summary, nil, err
	}
	files := []string{
		filepath.Join(runDir, scanCSVFile),
		filepath.Join(runDir, scanReportFile),
		filepath.Join(runDir, scanChartFile),
	}
	if err := WriteScanCSV(files[0], entries); err != nil {
		return summary, nil, err
	}
	if err := writeJSON(files[1], summary); err != nil {
		return summary, nil, err
	}
	if err := WriteScanChart(files[2], entries); err != nil {
		return summary, nil, err
	}
	return summary, files, nil
}
