// Package store provides durable persistence for pipeline runs: run status,
// content-hash-deduplicated checkpoints, the append-only event log, and
// write-once per-stage execution metrics.
//
// Four backends implement Store: in-memory (tests), SQLite (single-process
// deployments), MySQL, and Postgres.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medscribe/notegraph/pipeline/stage"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are never
// overwritten.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EventKind categorizes entries in the append-only event log.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetried   EventKind = "retried"
)

// Run is one pipeline execution.
type Run struct {
	RunID     string    `json:"run_id"`
	PatientID string    `json:"patient_id"`
	TenantID  string    `json:"tenant_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageState is the unit of checkpointing: the stage's output together with
// its terminal status and execution metrics.
type StageState struct {
	Output  *stage.Output     `json:"output"`
	Status  string            `json:"status"` // "completed" or "failed"
	Metrics stage.ExecMetrics `json:"metrics"`
}

// Checkpoint is one persisted stage state. Checkpoints are append-only and
// deduplicated on (run, stage, state hash): re-saving identical content
// returns the existing row's ID without writing.
type Checkpoint struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	StageKey  string     `json:"stage_key"`
	StateHash string     `json:"state_hash"`
	State     StageState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Event is one entry in the durable event log.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	StageKey  string         `json:"stage_key"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StageMetrics is the write-once execution record for one (run, stage).
// Exactly one of SuccessDurationMS and FailureDurationMS is set, matching
// the recorded status.
type StageMetrics struct {
	RunID             string    `json:"run_id"`
	StageKey          string    `json:"stage_key"`
	Status            string    `json:"status"`
	Attempts          int       `json:"attempts"`
	Retries           int       `json:"retries"`
	SuccessDurationMS int64     `json:"success_duration_ms,omitempty"`
	FailureDurationMS int64     `json:"failure_duration_ms,omitempty"`
	FallbackUsed      bool      `json:"fallback_used"`
	CreatedAt         time.Time `json:"created_at"`
}

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("storage: run not found")

// ErrCheckpointNotFound is returned when a (run, stage) has no checkpoint.
var ErrCheckpointNotFound = errors.New("storage: checkpoint not found")

// Store is the durable persistence contract for pipeline runs.
//
// Implementations must be safe for concurrent use; the intake phase saves
// checkpoints from several goroutines.
type Store interface {
	// CreateRun inserts a new run row.
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns the run row, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (Run, error)

	// RunStatus returns the current status, or ErrRunNotFound.
	RunStatus(ctx context.Context, runID string) (Status, error)

	// SetRunStatus updates the run status and touches UpdatedAt.
	SetRunStatus(ctx context.Context, runID string, status Status) error

	// ListRuns returns up to limit runs for the patient, newest first.
	// limit <= 0 means no limit.
	ListRuns(ctx context.Context, patientID string, limit int) ([]Run, error)

	// SaveCheckpoint persists a stage state and returns the checkpoint ID.
	// If the latest content for (runID, stageKey) with the same hash
	// already exists, the existing ID is returned and nothing is written.
	SaveCheckpoint(ctx context.Context, runID, stageKey string, state StageState) (string, error)

	// LatestCheckpoint returns the most recent checkpoint for the stage,
	// or ErrCheckpointNotFound.
	LatestCheckpoint(ctx context.Context, runID, stageKey string) (Checkpoint, error)

	// ListCheckpoints returns all checkpoints for the run in insertion
	// order.
	ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)

	// SaveEvent appends an event and returns its ID.
	SaveEvent(ctx context.Context, runID, stageKey string, kind EventKind, payload map[string]any) (int64, error)

	// ListEvents returns all events for the run in insertion order.
	ListEvents(ctx context.Context, runID string) ([]Event, error)

	// SaveStageMetrics records execution metrics for (runID, stageKey).
	// The first write wins; subsequent writes are silently ignored.
	SaveStageMetrics(ctx context.Context, m StageMetrics) error

	// ListStageMetrics returns the recorded metrics for the run.
	ListStageMetrics(ctx context.Context, runID string) ([]StageMetrics, error)

	// Close releases backend resources.
	Close() error
}

// HashState computes the canonical content hash of a stage state: the
// SHA-256 of its JSON encoding. encoding/json sorts map keys, so the hash
// is deterministic for equal states.
func HashState(state StageState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("storage: hash state: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func marshalState(state StageState) ([]byte, string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, "", fmt.Errorf("storage: marshal state: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func unmarshalState(data []byte) (StageState, error) {
	var state StageState
	if err := json.Unmarshal(data, &state); err != nil {
		return StageState{}, fmt.Errorf("storage: unmarshal state: %w", err)
	}
	return state, nil
}

func unmarshalEventPayload(data string, ev *Event) error {
	if data == "" || data == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), &ev.Payload); err != nil {
		return fmt.Errorf("storage: unmarshal payload: %w", err)
	}
	return nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal payload: %w", err)
	}
	return data, nil
}
