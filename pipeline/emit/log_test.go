package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID: "run_p1_deadbeef",
		Stage: "hpi",
		Kind:  "completed",
		Meta:  map[string]interface{}{"duration_ms": 120},
	})

	out := buf.String()
	if !strings.HasPrefix(out, "[completed]") {
		t.Errorf("expected [completed] prefix, got %q", out)
	}
	if !strings.Contains(out, "runID=run_p1_deadbeef") {
		t.Errorf("expected runID in output, got %q", out)
	}
	if !strings.Contains(out, "stage=hpi") {
		t.Errorf("expected stage in output, got %q", out)
	}
	if !strings.Contains(out, `"duration_ms":120`) {
		t.Errorf("expected meta in output, got %q", out)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		RunID: "run_p1_deadbeef",
		Stage: "orchestrator",
		Kind:  "retried",
		Msg:   "transient failure",
		Meta:  map[string]interface{}{"attempt": 2},
	})

	var decoded struct {
		RunID string                 `json:"runID"`
		Stage string                 `json:"stage"`
		Kind  string                 `json:"kind"`
		Msg   string                 `json:"msg"`
		Meta  map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded.RunID != "run_p1_deadbeef" || decoded.Stage != "orchestrator" || decoded.Kind != "retried" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
	if decoded.Meta["attempt"].(float64) != 2 {
		t.Errorf("expected attempt=2 in meta, got %v", decoded.Meta)
	}
}

func TestLogEmitterNilWriterDefaultsToStdout(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	if emitter.writer == nil {
		t.Fatal("expected non-nil writer")
	}
}
