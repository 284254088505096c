package storage

import (
	"encoding/json"
	"errors"

	"histonet/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the record header for freshly created records.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeSlide(s model.SlideRecord) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeSlide(data []byte) (model.SlideRecord, error) {
	var slide model.SlideRecord
	if err := json.Unmarshal(data, &slide); err != nil {
		return model.SlideRecord{}, err
	}
	if err := checkVersion(slide.VersionedRecord); err != nil {
		return model.SlideRecord{}, err
	}
	return slide, nil
}

func EncodeRun(r model.AnalysisRun) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.AnalysisRun, error) {
	var run model.AnalysisRun
	if err := json.Unmarshal(data, &run); err != nil {
		return model.AnalysisRun{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.AnalysisRun{}, err
	}
	return run, nil
}

func EncodeProfiles(p model.ProfileSet) ([]byte, error) {
	return json.Marshal(p)
}

func DecodeProfiles(data []byte) (model.ProfileSet, error) {
	var profiles model.ProfileSet
	if err := json.Unmarshal(data, &profiles); err != nil {
		return model.ProfileSet{}, err
	}
	if err := checkVersion(profiles.VersionedRecord); err != nil {
		return model.ProfileSet{}, err
	}
	return profiles, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
