package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Static is an offline Generator that returns deterministic text without
// calling any external service. It is the default backend for tests and for
// running the pipeline without API keys.
//
// Failures can be scripted per stage with FailStage/FailStageTimes, which is
// how the executor's retry behavior is exercised.
type Static struct {
	// Model is reported in usage records. Defaults to "mock-model-v1".
	Model string

	// Delay simulates per-call processing latency. The sleep respects
	// context cancellation.
	Delay time.Duration

	// Responses overrides the generated text per stage key.
	Responses map[string]string

	mu       sync.Mutex
	failures map[string]*scriptedFailure
	calls    map[string]int
}

type scriptedFailure struct {
	err       error
	remaining int // negative means fail forever
}

// NewStatic returns a Static generator with default model naming.
func NewStatic() *Static {
	return &Static{Model: "mock-model-v1"}
}

// Name implements Generator.
func (s *Static) Name() string { return "static" }

// FailStage makes every Generate call for the stage return err until
// ClearFailures is called.
func (s *Static) FailStage(stage string, err error) {
	s.failStage(stage, err, -1)
}

// FailStageTimes makes the next n Generate calls for the stage return err,
// after which calls succeed again.
func (s *Static) FailStageTimes(stage string, err error, n int) {
	s.failStage(stage, err, n)
}

func (s *Static) failStage(stage string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]*scriptedFailure)
	}
	s.failures[stage] = &scriptedFailure{err: err, remaining: n}
}

// ClearFailures removes all scripted failures.
func (s *Static) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// Calls reports how many Generate calls the stage has received.
func (s *Static) Calls(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

// Generate implements Generator. The returned text is deterministic for a
// given request, and usage numbers are synthetic but stable.
func (s *Static) Generate(ctx context.Context, req Request) (Completion, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.Stage]++
	var scripted error
	if f, ok := s.failures[req.Stage]; ok && f.remaining != 0 {
		scripted = f.err
		if f.remaining > 0 {
			f.remaining--
		}
	}
	s.mu.Unlock()

	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	if scripted != nil {
		return Completion{}, scripted
	}

	text := s.Responses[req.Stage]
	if text == "" {
		text = fmt.Sprintf("Draft for stage %s.\n\n%s", req.Stage, truncate(req.Prompt, 200))
	}

	model := s.Model
	if model == "" {
		model = "mock-model-v1"
	}
	return Completion{
		Text: text,
		Usage: Usage{
			Provider:         "mock-provider",
			Model:            model,
			PromptTokens:     100,
			CompletionTokens: 200,
			EstimatedCostUSD: "0.0012",
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
