package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file SQLite implementation of Store.
//
// Designed for development and single-process deployments: zero setup,
// WAL mode for concurrent reads, transactional writes. Use ":memory:" for
// an ephemeral database in tests.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// migrates the schema. WAL mode, foreign keys, and a 5 second busy timeout
// are enabled.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT 'default',
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_patient ON runs(patient_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			stage_key  TEXT NOT NULL,
			state_hash TEXT NOT NULL,
			state      TEXT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT 'default',
			created_at TEXT NOT NULL,
			UNIQUE(run_id, stage_key, state_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, stage_key, id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			stage_key  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT 'default',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS stage_metrics (
			run_id              TEXT NOT NULL,
			stage_key           TEXT NOT NULL,
			status              TEXT NOT NULL,
			attempts            INTEGER NOT NULL,
			retries             INTEGER NOT NULL,
			success_duration_ms INTEGER,
			failure_duration_ms INTEGER,
			fallback_used       INTEGER NOT NULL,
			created_at          TEXT NOT NULL,
			PRIMARY KEY (run_id, stage_key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

const sqliteTimeFormat = time.RFC3339Nano

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	if run.TenantID == "" {
		run.TenantID = "default"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, patient_id, tenant_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.PatientID, run.TenantID, string(run.Status),
		run.CreatedAt.Format(sqliteTimeFormat), run.UpdatedAt.Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, patient_id, tenant_id, status, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID)
	return scanRunText(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunText(row rowScanner) (Run, error) {
	var run Run
	var status, createdAt, updatedAt string
	err := row.Scan(&run.RunID, &run.PatientID, &run.TenantID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("storage: scan run: %w", err)
	}
	run.Status = Status(status)
	if run.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
		return Run{}, fmt.Errorf("storage: parse created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(sqliteTimeFormat, updatedAt); err != nil {
		return Run{}, fmt.Errorf("storage: parse updated_at: %w", err)
	}
	return run, nil
}

// RunStatus implements Store.
func (s *SQLiteStore) RunStatus(ctx context.Context, runID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: run status: %w", err)
	}
	return Status(status), nil
}

// SetRunStatus implements Store.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		string(status), time.Now().UTC().Format(sqliteTimeFormat), runID)
	if err != nil {
		return fmt.Errorf("storage: set run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, patientID string, limit int) ([]Run, error) {
	query := `SELECT run_id, patient_id, tenant_id, status, created_at, updated_at
		 FROM runs WHERE patient_id = ? ORDER BY created_at DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRunText(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveCheckpoint implements Store. Content-hash dedup: if the same state
// was already checkpointed for this (run, stage), the existing row ID is
// returned.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID, stageKey string, state StageState) (string, error) {
	data, hash, err := marshalState(state)
	if err != nil {
		return "", err
	}

	var existing int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM checkpoints WHERE run_id = ? AND stage_key = ? AND state_hash = ?`,
		runID, stageKey, hash).Scan(&existing)
	if err == nil {
		return fmt.Sprintf("%d", existing), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: checkpoint lookup: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, stage_key, state_hash, state, tenant_id, created_at)
		 VALUES (?, ?, ?, ?, COALESCE((SELECT tenant_id FROM runs WHERE run_id = ?), 'default'), ?)`,
		runID, stageKey, hash, string(data), runID, time.Now().UTC().Format(sqliteTimeFormat))
	if err != nil {
		return "", fmt.Errorf("storage: save checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("storage: checkpoint id: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// LatestCheckpoint implements Store.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID, stageKey string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, stage_key, state_hash, state, created_at
		 FROM checkpoints WHERE run_id = ? AND stage_key = ?
		 ORDER BY id DESC LIMIT 1`, runID, stageKey)
	cp, err := scanCheckpointText(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return cp, err
}

func scanCheckpointText(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var id int64
	var stateJSON, createdAt string
	err := row.Scan(&id, &cp.RunID, &cp.StageKey, &cp.StateHash, &stateJSON, &createdAt)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.ID = fmt.Sprintf("%d", id)
	if cp.State, err = unmarshalState([]byte(stateJSON)); err != nil {
		return Checkpoint{}, err
	}
	if cp.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
		return Checkpoint{}, fmt.Errorf("storage: parse checkpoint time: %w", err)
	}
	return cp, nil
}

// ListCheckpoints implements Store.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage_key, state_hash, state, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointText(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// SaveEvent implements Store.
func (s *SQLiteStore) SaveEvent(ctx context.Context, runID, stageKey string, kind EventKind, payload map[string]any) (int64, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, stage_key, kind, payload, tenant_id, created_at)
		 VALUES (?, ?, ?, ?, COALESCE((SELECT tenant_id FROM runs WHERE run_id = ?), 'default'), ?)`,
		runID, stageKey, string(kind), string(data), runID, time.Now().UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("storage: save event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: event id: %w", err)
	}
	return id, nil
}

// ListEvents implements Store.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage_key, kind, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, payloadJSON, createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StageKey, &kind, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		if err := unmarshalEventPayload(payloadJSON, &ev); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("storage: parse event time: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveStageMetrics implements Store. INSERT OR IGNORE keeps the first write.
func (s *SQLiteStore) SaveStageMetrics(ctx context.Context, m StageMetrics) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stage_metrics
		 (run_id, stage_key, status, attempts, retries, success_duration_ms, failure_duration_ms, fallback_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.StageKey, m.Status, m.Attempts, m.Retries,
		nullableMS(m.SuccessDurationMS), nullableMS(m.FailureDurationMS),
		boolToInt(m.FallbackUsed), m.CreatedAt.Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("storage: save stage metrics: %w", err)
	}
	return nil
}

// ListStageMetrics implements Store.
func (s *SQLiteStore) ListStageMetrics(ctx context.Context, runID string) ([]StageMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage_key, status, attempts, retries,
		        COALESCE(success_duration_ms, 0), COALESCE(failure_duration_ms, 0),
		        fallback_used, created_at
		 FROM stage_metrics WHERE run_id = ? ORDER BY created_at ASC, stage_key ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list stage metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []StageMetrics
	for rows.Next() {
		var m StageMetrics
		var fallback int
		var createdAt string
		if err := rows.Scan(&m.RunID, &m.StageKey, &m.Status, &m.Attempts, &m.Retries,
			&m.SuccessDurationMS, &m.FailureDurationMS, &fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan stage metrics: %w", err)
		}
		m.FallbackUsed = fallback != 0
		if m.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("storage: parse metrics time: %w", err)
		}
		recs = append(recs, m)
	}
	return recs, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func nullableMS(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
