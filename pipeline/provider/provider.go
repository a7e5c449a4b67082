// Package provider abstracts the text generation backends used by the
// pipeline stages. A Generator turns a stage prompt into drafted markdown
// plus token accounting. Implementations exist for OpenAI, Anthropic, and
// Google Gemini, along with an offline deterministic Static generator for
// tests and air-gapped runs.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Request describes a single generation call made on behalf of a stage.
type Request struct {
	// Stage is the pipeline stage key requesting the draft (e.g. "hpi").
	Stage string

	// System is the role framing for the model.
	System string

	// Prompt is the stage-specific instruction plus source material.
	Prompt string
}

// Usage records token accounting for one generation call.
type Usage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	EstimatedCostUSD string `json:"estimated_cost_usd"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Completion is the result of a generation call.
type Completion struct {
	Text  string
	Usage Usage
}

// Generator produces text for pipeline stages.
//
// Implementations must be safe for concurrent use: the intake phase fans out
// across stages that share a single Generator.
type Generator interface {
	// Name identifies the backend ("openai", "anthropic", "google", "static").
	Name() string

	// Generate drafts text for the request. Errors should be *Error values
	// so the executor can classify them for retry.
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Error is a classified generation failure. Retryable errors (rate limits,
// server errors, timeouts) are retried by the executor; permanent errors
// (bad API key, exhausted quota) fail fast.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable reports whether the failure is worth retrying.
func (e *Error) IsRetryable() bool { return e.Retryable }

// Common error codes shared across backends.
const (
	CodeInvalidAPIKey = "invalid_api_key"
	CodeRateLimited   = "rate_limited"
	CodeQuotaExceeded = "quota_exceeded"
	CodeServerError   = "server_error"
	CodeNetworkError  = "network_error"
	CodeTimeout       = "timeout"
	CodeAPIError      = "api_error"
)

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
