package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store for multi-process
// deployments on an existing MySQL installation.
//
// The DSN must enable parseTime, e.g.
//
//	user:pass@tcp(localhost:3306)/notegraph?parseTime=true
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     VARCHAR(128) PRIMARY KEY,
			patient_id VARCHAR(128) NOT NULL,
			tenant_id  VARCHAR(128) NOT NULL DEFAULT 'default',
			status     VARCHAR(32)  NOT NULL,
			created_at DATETIME(6)  NOT NULL,
			updated_at DATETIME(6)  NOT NULL,
			INDEX idx_runs_patient (patient_id, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id         BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id     VARCHAR(128) NOT NULL,
			stage_key  VARCHAR(64)  NOT NULL,
			state_hash CHAR(64)     NOT NULL,
			state      JSON         NOT NULL,
			tenant_id  VARCHAR(128) NOT NULL DEFAULT 'default',
			created_at DATETIME(6)  NOT NULL,
			UNIQUE KEY uq_checkpoints_content (run_id, stage_key, state_hash),
			INDEX idx_checkpoints_run (run_id, stage_key, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id     VARCHAR(128) NOT NULL,
			stage_key  VARCHAR(64)  NOT NULL,
			kind       VARCHAR(32)  NOT NULL,
			payload    JSON         NOT NULL,
			tenant_id  VARCHAR(128) NOT NULL DEFAULT 'default',
			created_at DATETIME(6)  NOT NULL,
			INDEX idx_events_run (run_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS stage_metrics (
			run_id              VARCHAR(128) NOT NULL,
			stage_key           VARCHAR(64)  NOT NULL,
			status              VARCHAR(32)  NOT NULL,
			attempts            INT          NOT NULL,
			retries             INT          NOT NULL,
			success_duration_ms BIGINT       NULL,
			failure_duration_ms BIGINT       NULL,
			fallback_used       TINYINT(1)   NOT NULL,
			created_at          DATETIME(6)  NOT NULL,
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

// CreateRun implements Store.
func (s *MySQLStore) CreateRun(ctx context.Context, run Run) error {
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
		run.RunID, run.PatientID, run.TenantID, string(run.Status), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *MySQLStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, patient_id, tenant_id, status, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.PatientID, &run.TenantID, &status, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Status = Status(status)
	return run, nil
}

// RunStatus implements Store.
func (s *MySQLStore) RunStatus(ctx context.Context, runID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: run status: %w", err)
	}
	return Status(status), nil
}

// SetRunStatus implements Store.
func (s *MySQLStore) SetRunStatus(ctx context.Context, runID string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		string(status), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("storage: set run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns implements Store.
func (s *MySQLStore) ListRuns(ctx context.Context, patientID string, limit int) ([]Run, error) {
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
		var run Run
		var status string
		if err := rows.Scan(&run.RunID, &run.PatientID, &run.TenantID, &status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		run.Status = Status(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveCheckpoint implements Store.
func (s *MySQLStore) SaveCheckpoint(ctx context.Context, runID, stageKey string, state StageState) (string, error) {
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
		runID, stageKey, hash, string(data), runID, time.Now().UTC())
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
func (s *MySQLStore) LatestCheckpoint(ctx context.Context, runID, stageKey string) (Checkpoint, error) {
	var cp Checkpoint
	var id int64
	var stateJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, stage_key, state_hash, state, created_at
		 FROM checkpoints WHERE run_id = ? AND stage_key = ?
		 ORDER BY id DESC LIMIT 1`, runID, stageKey).
		Scan(&id, &cp.RunID, &cp.StageKey, &cp.StateHash, &stateJSON, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	cp.ID = fmt.Sprintf("%d", id)
	if cp.State, err = unmarshalState(stateJSON); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// ListCheckpoints implements Store.
func (s *MySQLStore) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage_key, state_hash, state, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var id int64
		var stateJSON []byte
		if err := rows.Scan(&id, &cp.RunID, &cp.StageKey, &cp.StateHash, &stateJSON, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cp.ID = fmt.Sprintf("%d", id)
		if cp.State, err = unmarshalState(stateJSON); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// SaveEvent implements Store.
func (s *MySQLStore) SaveEvent(ctx context.Context, runID, stageKey string, kind EventKind, payload map[string]any) (int64, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, stage_key, kind, payload, tenant_id, created_at)
		 VALUES (?, ?, ?, ?, COALESCE((SELECT tenant_id FROM runs WHERE run_id = ?), 'default'), ?)`,
		runID, stageKey, string(kind), string(data), runID, time.Now().UTC())
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
func (s *MySQLStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
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
		var kind string
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.StageKey, &kind, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		if err := unmarshalEventPayload(string(payloadJSON), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveStageMetrics implements Store. INSERT IGNORE keeps the first write.
func (s *MySQLStore) SaveStageMetrics(ctx context.Context, m StageMetrics) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO stage_metrics
		 (run_id, stage_key, status, attempts, retries, success_duration_ms, failure_duration_ms, fallback_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.StageKey, m.Status, m.Attempts, m.Retries,
		nullableMS(m.SuccessDurationMS), nullableMS(m.FailureDurationMS),
		boolToInt(m.FallbackUsed), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: save stage metrics: %w", err)
	}
	return nil
}

// ListStageMetrics implements Store.
func (s *MySQLStore) ListStageMetrics(ctx context.Context, runID string) ([]StageMetrics, error) {
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
		if err := rows.Scan(&m.RunID, &m.StageKey, &m.Status, &m.Attempts, &m.Retries,
			&m.SuccessDurationMS, &m.FailureDurationMS, &fallback, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stage metrics: %w", err)
		}
		m.FallbackUsed = fallback != 0
		recs = append(recs, m)
	}
	return recs, rows.Err()
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
