package design

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"histonet/internal/logging"
)

// Covariate declares a covariate and the ordered categories it may take.
// Declaring categories keeps one-hot widths stable across data subsets.
type Covariate struct {
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
}

type RowKey struct {
	Covariate string
	Category  string
}

// Matrix is a one-hot design matrix: one row per covariate category,
// stacked per covariate, and one column per sample.
type Matrix struct {
	Rows    []RowKey
	Samples []string
	// Values is nil when the matrix has no rows or no samples.
	Values *mat.Dense
}

func (m Matrix) Dims() (int, int) {
	return len(m.Rows), len(m.Samples)
}

func (m Matrix) At(row, sample int) float64 {
	if m.Values == nil {
		return 0
	}
	return m.Values.At(row, sample)
}

// Column returns the one-hot vector of a sample.
func (m Matrix) Column(sample string) ([]float64, bool) {
	for j, s := range m.Samples {
		if s == sample {
			out := make([]float64, len(m.Rows))
			for i := range out {
				out[i] = m.At(i, j)
			}
			return out, true
		}
	}
	return nil, false
}

// FromDesign builds the design matrix for design, which maps sample ids to
// covariate values. With covariates nil every observed covariate is encoded
// with its sorted observed categories; otherwise exactly the declared
// covariates and categories are used and undeclared values count as
// missing. Missing values are logged and encode as all-zero columns.
func FromDesign(log *zap.Logger, design map[string]map[string]string, covariates []Covariate) (Matrix, error) {
	log = logging.OrNop(log)

	samples := make([]string, 0, len(design))
	for sample := range design {
		samples = append(samples, sample)
	}
	sort.Strings(samples)

	if covariates == nil {
		covariates = observedCovariates(design)
	}
	seen := make(map[string]bool, len(covariates))
	for _, cov := range covariates {
		if strings.TrimSpace(cov.Name) == "" {
			return Matrix{}, fmt.Errorf("covariate name is required")
		}
		if seen[cov.Name] {
			return Matrix{}, fmt.Errorf("duplicate covariate %q", cov.Name)
		}
		seen[cov.Name] = true
	}

	var rows []RowKey
	for _, cov := range covariates {
		for _, category := range cov.Categories {
			rows = append(rows, RowKey{Covariate: cov.Name, Category: category})
		}
	}

	out := Matrix{Rows: rows, Samples: samples}
	if len(rows) > 0 && len(samples) > 0 {
		out.Values = mat.NewDense(len(rows), len(samples), nil)
	}

	offset := 0
	for _, cov := range covariates {
		index := make(map[string]int, len(cov.Categories))
		for i, category := range cov.Categories {
			if _, dup := index[category]; dup {
				return Matrix{}, fmt.Errorf("duplicate category %q for covariate %q", category, cov.Name)
			}
			index[category] = i
		}
		missing := false
		for j, sample := range samples {
			value, ok := design[sample][cov.Name]
			if !ok {
				missing = true
				continue
			}
			i, ok := index[value]
			if !ok {
				missing = true
				continue
			}
			out.Values.Set(offset+i, j, 1)
		}
		if missing {
			log.Warn(fmt.Sprintf("Design covariate %q has missing values.", cov.Name), zap.String("covariate", cov.Name))
		}
		offset += len(cov.Categories)
	}
	return out, nil
}

func observedCovariates(design map[string]map[string]string) []Covariate {
	values := make(map[string]map[string]struct{})
	for _, covs := range design {
		for name, value := range covs {
			if values[name] == nil {
				values[name] = make(map[string]struct{})
			}
			values[name][value] = struct{}{}
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Covariate, 0, len(names))
	for _, name := range names {
		categories := make([]string, 0, len(values[name]))
		for value := range values[name] {
			categories = append(categories, value)
		}
		sortCategories(categories)
		out = append(out, Covariate{Name: name, Categories: categories})
	}
	return out
}

// sortCategories orders numerically when every category parses as a
// number and lexically otherwise.
func sortCategories(categories []string) {
	numeric := make([]float64, len(categories))
	for i, c := range categories {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			sort.Strings(categories)
			return
		}
		numeric[i] = v
	}
	sort.Sort(byNumber{values: numeric, labels: categories})
}

type byNumber struct {
	values []float64
	labels []string
}

func (b byNumber) Len() int           { return len(b.values) }
func (b byNumber) Less(i, j int) bool { return b.values[i] < b.values[j] }
func (b byNumber) Swap(i, j int) {
	b.values[i], b.values[j] = b.values[j], b.values[i]
	b.labels[i], b.labels[j] = b.labels[j], b.labels[i]
}

// ParseCovariates parses "name=a,b;other=x,y" into declared covariates.
func ParseCovariates(spec string) ([]Covariate, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []Covariate
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, cats, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid covariate declaration %q", part)
		}
		cov := Covariate{Name: strings.TrimSpace(name), Categories: []string{}}
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cov.Categories = append(cov.Categories, c)
			}
		}
		out = append(out, cov)
	}
	return out, nil
}

// ReadDesignFile reads a JSON object mapping sample ids to covariate values.
// Numbers and booleans are stringified; nulls are treated as missing.
func ReadDesignFile(path string) (map[string]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeDesign(f)
}

func DecodeDesign(r io.Reader) (map[string]map[string]string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw map[string]map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode design: %w", err)
	}
	out := make(map[string]map[string]string, len(raw))
	for sample, covs := range raw {
		row := make(map[string]string, len(covs))
		for name, value := range covs {
			switch v := value.(type) {
			case nil:
				continue
			case string:
				row[name] = v
			case json.Number:
				row[name] = v.String()
			case bool:
				row[name] = strconv.FormatBool(v)
			default:
				return nil, fmt.Errorf("design %s.%s: unsupported value %v", sample, name, value)
			}
		}
		out[sample] = row
	}
	return out, nil
}

func WriteCSV(w io.Writer, m Matrix) error {
	writer := csv.NewWriter(w)
	header := append([]string{"covariate", "category"}, m.Samples...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for i, row := range m.Rows {
		record := make([]string, 0, len(header))
		record = append(record, row.Covariate, row.Category)
		for j := range m.Samples {
			record = append(record, strconv.FormatFloat(m.At(i, j), 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
