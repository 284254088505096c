package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// SlideRecord describes a slide that was opened and validated.
type SlideRecord struct {
	VersionedRecord
	ID           string `json:"id"`
	ImagePath    string `json:"image_path"`
	LabelPath    string `json:"label_path"`
	DataPath     string `json:"data_path"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Objects      int    `json:"objects"`
	Genes        int    `json:"genes"`
	CreatedAtUTC string `json:"created_at_utc"`
}

const (
	RunKindScan      = "scan"
	RunKindAnalyze   = "analyze"
	RunKindMetagenes = "metagenes"
)

// AnalysisRun records one invocation that wrote files to OutputDir.
type AnalysisRun struct {
	VersionedRecord
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	SlideID      string   `json:"slide_id,omitempty"`
	OutputDir    string   `json:"output_dir"`
	Files        []string `json:"files"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

type ProfileRow struct {
	Metagene string  `json:"metagene"`
	Gene     string  `json:"gene"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
}

// ProfileSet holds the metagene profiles an analysis run computed for one
// experiment.
type ProfileSet struct {
	VersionedRecord
	RunID      string       `json:"run_id"`
	Experiment string       `json:"experiment"`
	Rows       []ProfileRow `json:"rows"`
}
