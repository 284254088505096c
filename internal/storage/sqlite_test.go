//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"histonet/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "histonet.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	slide := model.SlideRecord{VersionedRecord: Versioned(), ID: "s1", ImagePath: "he.png", Width: 4, Height: 4, Objects: 2, Genes: 3}
	if err := store.SaveSlide(ctx, slide); err != nil {
		t.Fatalf("save slide: %v", err)
	}
	loadedSlide, ok, err := store.GetSlide(ctx, "s1")
	if err != nil {
		t.Fatalf("get slide: %v", err)
	}
	if !ok || loadedSlide != slide {
		t.Fatalf("unexpected slide loaded: %+v", loadedSlide)
	}

	for _, run := range []model.AnalysisRun{
		{VersionedRecord: Versioned(), ID: "r2", Kind: model.RunKindScan, CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{VersionedRecord: Versioned(), ID: "r1", Kind: model.RunKindAnalyze, SlideID: "s1", Files: []string{"he.png"}, CreatedAtUTC: "2026-01-01T00:00:00Z"},
	} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r1" || runs[0].Files[0] != "he.png" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	profiles := model.ProfileSet{
		VersionedRecord: Versioned(),
		RunID:           "r1",
		Experiment:      "ST",
		Rows:            []model.ProfileRow{{Metagene: "0", Gene: "ACTB", Mean: 0.5, Stddev: 0.1}},
	}
	if err := store.SaveProfiles(ctx, profiles); err != nil {
		t.Fatalf("save profiles: %v", err)
	}
	loadedProfiles, ok, err := store.GetProfiles(ctx, "r1")
	if err != nil {
		t.Fatalf("get profiles: %v", err)
	}
	if !ok || len(loadedProfiles) != 1 || loadedProfiles[0].Rows[0].Mean != 0.5 {
		t.Fatalf("unexpected profiles: %+v", loadedProfiles)
	}
	if _, ok, err := store.GetProfiles(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no profiles, ok=%t err=%v", ok, err)
	}
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore(KindSQLite, filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}
