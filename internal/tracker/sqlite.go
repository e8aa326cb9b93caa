package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	master_seed TEXT NOT NULL,
	variant TEXT NOT NULL,
	keyframes INTEGER NOT NULL,
	planned_frames INTEGER NOT NULL,
	frames INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	params TEXT
);
CREATE TABLE IF NOT EXISTS frames (
	run_id TEXT NOT NULL REFERENCES runs(id),
	frame INTEGER NOT NULL,
	seed TEXT NOT NULL,
	path TEXT NOT NULL,
	PRIMARY KEY (run_id, frame)
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// SQLite stores runs in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// RunRecord is a stored run.
type RunRecord struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    *time.Time
	MasterSeed    uint64
	Variant       string
	Keyframes     int
	PlannedFrames int
	Frames        int
	Status        string
	Params        map[string]any
}

// FrameRecord is a stored frame.
type FrameRecord struct {
	Frame int
	Seed  uint64
	Path  string
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is allowed.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: an in-memory database is private to its connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLite{db: db, logger: logger.With(zap.String("component", "tracker"))}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) StartRun(ctx context.Context, run Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, master_seed, variant, keyframes, planned_frames, params)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), strconv.FormatUint(run.MasterSeed, 10),
		run.Variant, run.Keyframes, run.Frames, string(params))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	s.logger.Debug("run started", zap.String("run_id", run.ID))
	return nil
}

func (s *SQLite) LogFrame(ctx context.Context, runID string, frame int, seed uint64, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO frames (run_id, frame, seed, path) VALUES (?, ?, ?, ?)`,
		runID, frame, strconv.FormatUint(seed, 10), path)
	if err != nil {
		return fmt.Errorf("failed to insert frame %d: %w", frame, err)
	}
	return nil
}

func (s *SQLite) FinishRun(ctx context.Context, runID string, status string, frames int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, frames = ? WHERE id = ?`,
		time.Now().UnixMilli(), status, frames, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	s.logger.Debug("run finished", zap.String("run_id", runID), zap.String("status", status))
	return nil
}

// GetRun loads a run by id.
func (s *SQLite) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		rec      RunRecord
		started  int64
		finished sql.NullInt64
		seed     string
		params   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, master_seed, variant, keyframes, planned_frames, frames, status, params
		 FROM runs WHERE id = ?`, id).
		Scan(&rec.ID, &started, &finished, &seed, &rec.Variant, &rec.Keyframes, &rec.PlannedFrames, &rec.Frames, &rec.Status, &params)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	rec.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		rec.FinishedAt = &t
	}
	if rec.MasterSeed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt seed for run %s: %w", id, err)
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
			return nil, fmt.Errorf("corrupt params for run %s: %w", id, err)
		}
	}
	return &rec, nil
}

// Frames lists the frames logged for a run in frame order.
func (s *SQLite) Frames(ctx context.Context, runID string) ([]FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame, seed, path FROM frames WHERE run_id = ? ORDER BY frame`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var (
			fr   FrameRecord
			seed string
		)
		if err := rows.Scan(&fr.Frame, &seed, &fr.Path); err != nil {
			return nil, err
		}
		if fr.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}
