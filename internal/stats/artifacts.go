package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	runIndexFile   = "run_index.json"
	runConfigFile  = "config.json"
	runFilesFile   = "files.json"
	scanCSVFile    = "scan.csv"
	scanChartFile  = "scan-percentiles.png"
	scanReportFile = "scan_summary.json"
)

// RunConfig records the inputs of one histonetctl run.
type RunConfig struct {
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	ImagePath string `json:"image_path,omitempty"`
	LabelPath string `json:"label_path,omitempty"`
	DataPath  string `json:"data_path,omitempty"`
	InputPath string `json:"input_path,omitempty"`
	PatchSize int    `json:"patch_size,omitempty"`
	Stride    int    `json:"stride,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	Seed      uint64 `json:"seed,omitempty"`
	Method    string `json:"method,omitempty"`
	Device    string `json:"device,omitempty"`
	OutputDir string `json:"output_dir"`
}

type RunIndexEntry struct {
	RunID        string `json:"run_id"`
	Kind         string `json:"kind"`
	OutputDir    string `json:"output_dir"`
	Files        int    `json:"files"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// WriteRunArtifacts stores cfg and the list of files the run produced under
// <baseDir>/<run-id>.
func WriteRunArtifacts(baseDir string, cfg RunConfig, files []string) (string, error) {
	if strings.TrimSpace(cfg.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, cfg.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, runConfigFile), cfg); err != nil {
		return "", err
	}
	if files == nil {
		files = []string{}
	}
	if err := writeJSON(filepath.Join(runDir, runFilesFile), files); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs, newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies the stored files of runID to <outDir>/<run-id>.
// Scan reports are copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{runConfigFile, runFilesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{scanCSVFile, scanChartFile, scanReportFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, runConfigFile), &cfg)
	return cfg, ok, err
}

func ReadRunFiles(baseDir, runID string) ([]string, bool, error) {
	var files []string
	ok, err := readJSON(filepath.Join(baseDir, runID, runFilesFile), &files)
	return files, ok, err
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
