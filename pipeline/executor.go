package pipeline

import (
	"context"
	"time"

	"github.com/medscribe/notegraph/pipeline/emit"
	"github.com/medscribe/notegraph/pipeline/provider"
	"github.com/medscribe/notegraph/pipeline/stage"
	"github.com/medscribe/notegraph/pipeline/store"
)

// DefaultMaxAttempts is the retry budget per stage: one initial attempt plus
// three retries.
const DefaultMaxAttempts = 4

// DefaultBackoff is the delay schedule between attempts.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Synthetic usage attached when a stage output carries no token accounting,
// so downstream cost reporting always has numbers to aggregate.
var (
	syntheticPrimaryUsage = provider.Usage{
		Provider:         "mock-provider",
		Model:            "mock-model-v1",
		PromptTokens:     100,
		CompletionTokens: 200,
		EstimatedCostUSD: "0.0012",
	}
	syntheticFallbackUsage = provider.Usage{
		Provider:         "mock-provider",
		Model:            "mock-model-fallback",
		PromptTokens:     50,
		CompletionTokens: 120,
		EstimatedCostUSD: "0.0007",
	}
)

// SleepFunc waits out a retry delay. The default honors context
// cancellation; tests substitute an instant version.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// executor runs a single stage to completion: retries with backoff while the
// error is classified transient, then invokes the fallback exactly once.
// Retry transitions are written to the durable event log as they happen.
type executor struct {
	store       store.Store
	emitter     emit.Emitter
	metrics     *Metrics
	maxAttempts int
	backoff     []time.Duration
	sleep       SleepFunc
}

func (e *executor) run(ctx context.Context, st *stage.Stage, in stage.Input) (*stage.Output, stage.ExecMetrics, error) {
	start := time.Now()

	e.event(ctx, in.RunID, st.Key, store.EventStarted, nil)

	var lastErr error
	attempts := 0
	for attempts < e.maxAttempts {
		attempts++

		out, err := st.Work(ctx, in)
		if err == nil {
			out = e.finalize(out, st.Key, attempts, start, false)
			return out, out.Metrics, nil
		}
		lastErr = err

		if !Retryable(err) || attempts == e.maxAttempts {
			break
		}

		delay := e.delayFor(attempts)
		e.metrics.StageRetried(st.Key)
		e.event(ctx, in.RunID, st.Key, store.EventRetried, map[string]any{
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	failMetrics := stage.ExecMetrics{
		Attempts:   attempts,
		Retries:    attempts - 1,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if st.Fallback == nil {
		return nil, failMetrics, lastErr
	}

	out, err := st.Fallback(ctx, in, lastErr)
	if err != nil {
		failMetrics.DurationMS = time.Since(start).Milliseconds()
		return nil, failMetrics, &FallbackExhaustedError{Stage: st.Key, Primary: lastErr, Fallback: err}
	}
	if out == nil {
		// A fallback that produces nothing cannot rescue the stage; the
		// primary error stands.
		failMetrics.DurationMS = time.Since(start).Milliseconds()
		return nil, failMetrics, lastErr
	}
	e.metrics.FallbackUsed(st.Key)
	e.event(ctx, in.RunID, st.Key, store.EventRetried, map[string]any{
		"fallback":             true,
		"final_retry_attempts": attempts,
		"error":                lastErr.Error(),
	})
	out = e.finalize(out, st.Key, attempts, start, true)
	return out, out.Metrics, nil
}

// delayFor returns the backoff delay after the given attempt number. The
// schedule's last entry repeats if attempts outrun it.
func (e *executor) delayFor(attempt int) time.Duration {
	if len(e.backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(e.backoff) {
		idx = len(e.backoff) - 1
	}
	return e.backoff[idx]
}

// finalize stamps the output with its execution metrics and fills in
// synthetic token accounting when the stage produced none.
func (e *executor) finalize(out *stage.Output, stageKey string, attempts int, start time.Time, fallback bool) *stage.Output {
	if out == nil {
		out = &stage.Output{}
	}
	if out.Stage == "" {
		out.Stage = stageKey
	}
	if out.Usage.Total() == 0 {
		if fallback {
			out.Usage = syntheticFallbackUsage
		} else {
			out.Usage = syntheticPrimaryUsage
		}
	}
	out.Metrics = stage.ExecMetrics{
		Attempts:     attempts,
		Retries:      attempts - 1,
		DurationMS:   time.Since(start).Milliseconds(),
		FallbackUsed: fallback,
	}
	return out
}

// event writes to the durable log and mirrors to the emitter. Event log
// failures are swallowed here: a broken store surfaces when the checkpoint
// is saved, not mid-retry.
func (e *executor) event(ctx context.Context, runID, stageKey string, kind store.EventKind, payload map[string]any) {
	_, _ = e.store.SaveEvent(ctx, runID, stageKey, kind, payload)
	e.emitter.Emit(emit.Event{
		RunID: runID,
		Stage: stageKey,
		Kind:  string(kind),
		Meta:  payload,
	})
}
