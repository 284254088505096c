//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"histonet/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveSlide(ctx context.Context, slide model.SlideRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeSlide(slide)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO slides (id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, slide.ID, slide.SchemaVersion, slide.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetSlide(ctx context.Context, id string) (model.SlideRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.SlideRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM slides WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SlideRecord{}, false, nil
		}
		return model.SlideRecord{}, false, err
	}

	slide, err := DecodeSlide(payload)
	if err != nil {
		return model.SlideRecord{}, false, fmt.Errorf("decode slide %s: %w", id, err)
	}
	return slide, true, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.AnalysisRun) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at_utc, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at_utc = excluded.created_at_utc,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, run.ID, run.CreatedAtUTC, run.SchemaVersion, run.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.AnalysisRun, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.AnalysisRun{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AnalysisRun{}, false, nil
		}
		return model.AnalysisRun{}, false, err
	}

	run, err := DecodeRun(payload)
	if err != nil {
		return model.AnalysisRun{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.AnalysisRun, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM runs ORDER BY created_at_utc, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AnalysisRun
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", id, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveProfiles(ctx context.Context, profiles model.ProfileSet) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeProfiles(profiles)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO profiles (run_id, experiment, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, experiment) DO UPDATE SET
			payload = excluded.payload
	`, profiles.RunID, profiles.Experiment, payload)
	return err
}

func (s *SQLiteStore) GetProfiles(ctx context.Context, runID string) ([]model.ProfileSet, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM profiles WHERE run_id = ? ORDER BY experiment`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []model.ProfileSet
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		profiles, err := DecodeProfiles(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode profiles of run %s: %w", runID, err)
		}
		out = append(out, profiles)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return out, len(out) > 0, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS slides (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at_utc TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS profiles (
			run_id TEXT NOT NULL,
			experiment TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, experiment)
		);
	`)
	return err
}
