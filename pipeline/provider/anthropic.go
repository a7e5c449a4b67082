package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic is a Generator backed by the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic generator for the given model
// (e.g. "claude-3-5-sonnet-20241022").
func NewAnthropic(apiKey, model string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, model: model}
}

// Name implements Generator.
func (a *Anthropic) Name() string { return "anthropic" }

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, a.mapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Completion{
		Text: text.String(),
		Usage: Usage{
			Provider:         a.Name(),
			Model:            a.model,
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// mapError converts Anthropic SDK errors into classified *Error values.
func (a *Anthropic) mapError(err error) error {
	if err == nil {
		return nil
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "authentication") ||
		strings.Contains(errMsg, "api_key") {
		return &Error{Code: CodeInvalidAPIKey, Message: "API key is invalid or expired", Retryable: false}
	}
	if strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "too many requests") {
		return &Error{Code: CodeRateLimited, Message: "API rate limit exceeded", Retryable: true}
	}
	if strings.Contains(errMsg, "quota") ||
		strings.Contains(errMsg, "insufficient_quota") ||
		strings.Contains(errMsg, "billing") {
		return &Error{Code: CodeQuotaExceeded, Message: "API quota exceeded", Retryable: false}
	}
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline") {
		return &Error{Code: CodeTimeout, Message: "request timed out", Retryable: true}
	}
	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "overloaded") {
		return &Error{Code: CodeServerError, Message: fmt.Sprintf("Anthropic API server error: %v", err), Retryable: true}
	}

	return &Error{Code: CodeAPIError, Message: fmt.Sprintf("Anthropic API error: %v", err), Retryable: false}
}
