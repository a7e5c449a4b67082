package emit

import "sync"

// BufferedEmitter stores events in memory, organized by run ID.
//
// Intended for tests and debugging: run a pipeline with a BufferedEmitter
// and assert on the captured history afterward. All events stay in memory,
// so long-lived processes should Clear finished runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects a subset of a run's events. Empty fields match
// everything; set fields are combined with AND logic.
type HistoryFilter struct {
	Stage string // filter by stage key (empty = no filter)
	Kind  string // filter by event kind (empty = no filter)
}

// NewBufferedEmitter creates an empty BufferedEmitter. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns all events for runID in emission order. The returned
// slice is a copy.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the events for runID matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.Stage != "" && event.Stage != filter.Stage {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events for runID, or all events if runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
