package emit

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{RunID: "run-1", Stage: "hpi", Kind: "started"})
	emitter.Emit(Event{RunID: "run-1", Stage: "hpi", Kind: "completed"})
	emitter.Emit(Event{RunID: "run-2", Stage: "exam", Kind: "started"})

	history := emitter.History("run-1")
	if len(history) != 2 {
		t.Fatalf("expected 2 events for run-1, got %d", len(history))
	}
	if history[0].Kind != "started" || history[1].Kind != "completed" {
		t.Errorf("events out of order: %+v", history)
	}

	if got := emitter.History("missing"); len(got) != 0 {
		t.Errorf("expected empty history for unknown run, got %d", len(got))
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{RunID: "run-1", Stage: "hpi", Kind: "started"})
	emitter.Emit(Event{RunID: "run-1", Stage: "hpi", Kind: "retried"})
	emitter.Emit(Event{RunID: "run-1", Stage: "exam", Kind: "retried"})
	emitter.Emit(Event{RunID: "run-1", Stage: "hpi", Kind: "completed"})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by stage", HistoryFilter{Stage: "hpi"}, 3},
		{"by kind", HistoryFilter{Kind: "retried"}, 2},
		{"by stage and kind", HistoryFilter{Stage: "hpi", Kind: "retried"}, 1},
		{"empty filter matches all", HistoryFilter{}, 4},
		{"no match", HistoryFilter{Stage: "compiler"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := emitter.HistoryWithFilter("run-1", tt.filter)
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run-1", Kind: "started"})
	emitter.Emit(Event{RunID: "run-2", Kind: "started"})

	emitter.Clear("run-1")
	if len(emitter.History("run-1")) != 0 {
		t.Error("expected run-1 history cleared")
	}
	if len(emitter.History("run-2")) != 1 {
		t.Error("expected run-2 history untouched")
	}

	emitter.Clear("")
	if len(emitter.History("run-2")) != 0 {
		t.Error("expected all history cleared")
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	emitter := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				emitter.Emit(Event{RunID: "run-1", Stage: fmt.Sprintf("stage-%d", n), Kind: "progress"})
			}
		}(i)
	}
	wg.Wait()

	if got := len(emitter.History("run-1")); got != 1000 {
		t.Errorf("expected 1000 events, got %d", got)
	}
}
