package storage

import (
	"context"

	"histonet/internal/model"
)

// Store defines persistence operations for slides, analysis runs and their
// metagene profiles.
type Store interface {
	Init(ctx context.Context) error
	SaveSlide(ctx context.Context, slide model.SlideRecord) error
	GetSlide(ctx context.Context, id string) (model.SlideRecord, bool, error)
	SaveRun(ctx context.Context, run model.AnalysisRun) error
	GetRun(ctx context.Context, id string) (model.AnalysisRun, bool, error)
	// ListRuns returns every run ordered by creation time, then id.
	ListRuns(ctx context.Context) ([]model.AnalysisRun, error)
	SaveProfiles(ctx context.Context, profiles model.ProfileSet) error
	// GetProfiles returns the profile sets of runID ordered by experiment.
	GetProfiles(ctx context.Context, runID string) ([]model.ProfileSet, bool, error)
}
