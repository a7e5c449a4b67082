package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. All data
// is lost on process exit.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]Run
	checkpoints map[string][]Checkpoint // runID -> checkpoints, insertion order
	events      map[string][]Event
	metrics     map[string][]StageMetrics
	nextCpID    int64
	nextEventID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]Run),
		checkpoints: make(map[string][]Checkpoint),
		events:      make(map[string][]Event),
		metrics:     make(map[string][]StageMetrics),
	}
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("storage: run %s already exists", run.RunID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	m.runs[run.RunID] = run
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// RunStatus implements Store.
func (m *MemoryStore) RunStatus(ctx context.Context, runID string) (Status, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// SetRunStatus implements Store.
func (m *MemoryStore) SetRunStatus(ctx context.Context, runID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(ctx context.Context, patientID string, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []Run
	for _, run := range m.runs {
		if run.PatientID == patientID {
			runs = append(runs, run)
		}
	}
	// newest first
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].CreatedAt.After(runs[i].CreatedAt) {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SaveCheckpoint implements Store. Identical content for the same
// (run, stage) returns the existing checkpoint ID without appending.
func (m *MemoryStore) SaveCheckpoint(ctx context.Context, runID, stageKey string, state StageState) (string, error) {
	_, hash, err := marshalState(state)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints[runID] {
		if cp.StageKey == stageKey && cp.StateHash == hash {
			return cp.ID, nil
		}
	}

	m.nextCpID++
	cp := Checkpoint{
		ID:        fmt.Sprintf("%d", m.nextCpID),
		RunID:     runID,
		StageKey:  stageKey,
		StateHash: hash,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	m.checkpoints[runID] = append(m.checkpoints[runID], cp)
	return cp.ID, nil
}

// LatestCheckpoint implements Store.
func (m *MemoryStore) LatestCheckpoint(ctx context.Context, runID, stageKey string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[runID]
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].StageKey == stageKey {
			return cps[i], nil
		}
	}
	return Checkpoint{}, ErrCheckpointNotFound
}

// ListCheckpoints implements Store.
func (m *MemoryStore) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[runID]
	out := make([]Checkpoint, len(cps))
	copy(out, cps)
	return out, nil
}

// SaveEvent implements Store.
func (m *MemoryStore) SaveEvent(ctx context.Context, runID, stageKey string, kind EventKind, payload map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev := Event{
		ID:        m.nextEventID,
		RunID:     runID,
		StageKey:  stageKey,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	m.events[runID] = append(m.events[runID], ev)
	return ev.ID, nil
}

// ListEvents implements Store.
func (m *MemoryStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[runID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

// SaveStageMetrics implements Store. The first write for a (run, stage)
// wins; later writes are dropped.
func (m *MemoryStore) SaveStageMetrics(ctx context.Context, rec StageMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.metrics[rec.RunID] {
		if existing.StageKey == rec.StageKey {
			return nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.metrics[rec.RunID] = append(m.metrics[rec.RunID], rec)
	return nil
}

// ListStageMetrics implements Store.
func (m *MemoryStore) ListStageMetrics(ctx context.Context, runID string) ([]StageMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.metrics[runID]
	out := make([]StageMetrics, len(recs))
	copy(out, recs)
	return out, nil
}

// Close implements Store. No-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }
