package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/medscribe/notegraph/pipeline/provider"
)

// ErrRunTerminal is returned when an operation targets a run that already
// reached a terminal status.
var ErrRunTerminal = errors.New("pipeline: run already terminal")

// ErrRunCancelled is returned by Execute and Resume when the run was
// cancelled while executing.
var ErrRunCancelled = errors.New("pipeline: run cancelled")

// PermanentError marks a failure that must not be retried. The executor fails
// the stage on the first occurrence and moves straight to the fallback.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks a failure as worth retrying regardless of how the
// wrapped error would otherwise classify.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Retryable reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Retryable classifies a stage work error. Provider errors carry their own
// classification; PermanentError and context errors are never retried.
// Anything unclassified is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if pe, ok := provider.AsError(err); ok {
		return pe.IsRetryable()
	}
	return true
}

// FallbackExhaustedError reports that a stage failed its retry budget and the
// fallback failed too. Primary is the final error from the primary work.
type FallbackExhaustedError struct {
	Stage    string
	Primary  error
	Fallback error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("stage %s: fallback exhausted: primary: %v; fallback: %v",
		e.Stage, e.Primary, e.Fallback)
}

func (e *FallbackExhaustedError) Unwrap() error { return e.Fallback }

// StageFailureError aggregates the stages that failed during a run.
type StageFailureError struct {
	RunID  string
	Stages map[string]string // stage key -> error text
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("pipeline: run %s failed: %d stage(s) did not complete", e.RunID, len(e.Stages))
}
