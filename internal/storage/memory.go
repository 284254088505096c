package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"histonet/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	slides      map[string]model.SlideRecord
	runs        map[string]model.AnalysisRun
	profiles    map[string]map[string]model.ProfileSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.slides = make(map[string]model.SlideRecord)
	s.runs = make(map[string]model.AnalysisRun)
	s.profiles = make(map[string]map[string]model.ProfileSet)
	return nil
}

func (s *MemoryStore) SaveSlide(_ context.Context, slide model.SlideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.slides[slide.ID] = slide
	return nil
}

func (s *MemoryStore) GetSlide(_ context.Context, id string) (model.SlideRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slide, ok := s.slides[id]
	return slide, ok, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.AnalysisRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	run.Files = append([]string(nil), run.Files...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.AnalysisRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.AnalysisRun{}, false, nil
	}
	run.Files = append([]string(nil), run.Files...)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AnalysisRun, 0, len(s.runs))
	for _, run := range s.runs {
		run.Files = append([]string(nil), run.Files...)
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) SaveProfiles(_ context.Context, profiles model.ProfileSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	byExperiment, ok := s.profiles[profiles.RunID]
	if !ok {
		byExperiment = make(map[string]model.ProfileSet)
		s.profiles[profiles.RunID] = byExperiment
	}
	profiles.Rows = append([]model.ProfileRow(nil), profiles.Rows...)
	byExperiment[profiles.Experiment] = profiles
	return nil
}

func (s *MemoryStore) GetProfiles(_ context.Context, runID string) ([]model.ProfileSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byExperiment, ok := s.profiles[runID]
	if !ok {
		return nil, false, nil
	}
	out := make([]model.ProfileSet, 0, len(byExperiment))
	for _, p := range byExperiment {
		p.Rows = append([]model.ProfileRow(nil), p.Rows...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Experiment < out[j].Experiment })
	return out, true, nil
}

var errNotInitialized = errors.New("store is not initialized")

func sortRuns(runs []model.AnalysisRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
