package histonet

import (
	"encoding/json"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"

	"histonet/internal/analysis"
	"histonet/internal/tensor"
)

// TensorJSON is the file representation of a tensor. Tensors without a
// device are placed on the client's default device.
type TensorJSON struct {
	Shape  []int     `json:"shape"`
	Data   []float64 `json:"data"`
	Device string    `json:"device,omitempty"`
}

func (t *TensorJSON) decode(name string, dev tensor.Device) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%s is missing", name)
	}
	out, err := tensor.New(t.Shape, t.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if t.Device != "" {
		dev = tensor.Device(t.Device)
	}
	return out.To(dev), nil
}

// OutputsFile holds the model outputs of one image together with the gene
// names of the rate channels.
type OutputsFile struct {
	Genes []string    `json:"genes"`
	Z     *TensorJSON `json:"z"`
	Mu    *TensorJSON `json:"mu"`
	Sd    *TensorJSON `json:"sd"`
	Rate  *TensorJSON `json:"rate"`
	Logit *TensorJSON `json:"logit"`
	State *TensorJSON `json:"state"`
}

func (f OutputsFile) outputs(dev tensor.Device) (analysis.Outputs, error) {
	var out analysis.Outputs
	for _, field := range []struct {
		name string
		src  *TensorJSON
		dst  **tensor.Tensor
	}{
		{"z", f.Z, &out.Z},
		{"mu", f.Mu, &out.Mu},
		{"sd", f.Sd, &out.Sd},
		{"rate", f.Rate, &out.Rate},
		{"logit", f.Logit, &out.Logit},
		{"state", f.State, &out.State},
	} {
		t, err := field.src.decode(field.name, dev)
		if err != nil {
			return analysis.Outputs{}, err
		}
		*field.dst = t
	}
	return out, nil
}

type MetageneJSON struct {
	Name string      `json:"name"`
	Map  *TensorJSON `json:"map"`
}

type SlideMetagenesJSON struct {
	Path      string         `json:"path"`
	Metagenes []MetageneJSON `json:"metagenes"`
}

// DrawsJSON holds posterior draws of one metagene, one row per draw.
type DrawsJSON struct {
	Metagene string      `json:"metagene"`
	Samples  [][]float64 `json:"samples"`
}

type ExperimentJSON struct {
	Kind  string      `json:"kind"`
	Draws []DrawsJSON `json:"draws"`
}

type MetagenesFile struct {
	Genes       []string             `json:"genes"`
	Slides      []SlideMetagenesJSON `json:"slides"`
	Experiments []ExperimentJSON     `json:"experiments"`
}

func (f MetagenesFile) input(dev tensor.Device) (analysis.MetageneInput, error) {
	in := analysis.MetageneInput{Genes: f.Genes}
	for _, s := range f.Slides {
		sm := analysis.SlideMetagenes{Path: s.Path}
		for _, m := range s.Metagenes {
			t, err := m.Map.decode(fmt.Sprintf("%s metagene %s", s.Path, m.Name), dev)
			if err != nil {
				return analysis.MetageneInput{}, err
			}
			sm.Metagenes = append(sm.Metagenes, analysis.Metagene{Name: m.Name, Map: t})
		}
		in.Slides = append(in.Slides, sm)
	}
	for _, e := range f.Experiments {
		exp := analysis.Experiment{Kind: e.Kind}
		for _, d := range e.Draws {
			samples, err := denseRows(d.Samples)
			if err != nil {
				return analysis.MetageneInput{}, fmt.Errorf("%s metagene %s: %w", e.Kind, d.Metagene, err)
			}
			exp.Draws = append(exp.Draws, analysis.Draws{Metagene: d.Metagene, Samples: samples})
		}
		in.Experiments = append(in.Experiments, exp)
	}
	return in, nil
}

func denseRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := len(rows[0])
	if cols == 0 {
		return nil, fmt.Errorf("draws have no columns")
	}
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("draw %d has %d values, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
