package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI is a Generator backed by the OpenAI Chat Completions API.
//
// The underlying SDK client is safe for concurrent use, so a single OpenAI
// value can serve the whole stage catalog.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI generator.
// Returns an error if apiKey or model is empty.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("model cannot be empty")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{client: &client, model: model}, nil
}

// Name implements Generator.
func (p *OpenAI) Name() string { return "openai" }

// Generate implements Generator.
func (p *OpenAI) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(1.0),
	})
	if err != nil {
		return Completion{}, p.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return Completion{}, &Error{
			Code:      CodeAPIError,
			Message:   "no choices in OpenAI response",
			Retryable: true,
		}
	}

	return Completion{
		Text: completion.Choices[0].Message.Content,
		Usage: Usage{
			Provider:         p.Name(),
			Model:            p.model,
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

// mapError converts OpenAI API errors into classified *Error values.
func (p *OpenAI) mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "OpenAI API request timed out", Retryable: true}
	}

	lowerErr := strings.ToLower(err.Error())

	if strings.Contains(lowerErr, "rate limit") ||
		strings.Contains(lowerErr, "429") ||
		strings.Contains(lowerErr, "too many requests") {
		return &Error{Code: CodeRateLimited, Message: "OpenAI API rate limit exceeded", Retryable: true}
	}
	if strings.Contains(lowerErr, "invalid api key") ||
		strings.Contains(lowerErr, "incorrect api key") ||
		strings.Contains(lowerErr, "401") ||
		strings.Contains(lowerErr, "unauthorized") ||
		strings.Contains(lowerErr, "authentication") {
		return &Error{Code: CodeInvalidAPIKey, Message: "OpenAI API key is invalid or expired", Retryable: false}
	}
	if strings.Contains(lowerErr, "quota") ||
		strings.Contains(lowerErr, "insufficient_quota") ||
		strings.Contains(lowerErr, "billing") {
		return &Error{Code: CodeQuotaExceeded, Message: "OpenAI API quota exceeded", Retryable: false}
	}
	if strings.Contains(lowerErr, "500") ||
		strings.Contains(lowerErr, "502") ||
		strings.Contains(lowerErr, "503") ||
		strings.Contains(lowerErr, "504") ||
		strings.Contains(lowerErr, "internal server error") ||
		strings.Contains(lowerErr, "bad gateway") ||
		strings.Contains(lowerErr, "service unavailable") ||
		strings.Contains(lowerErr, "gateway timeout") {
		return &Error{Code: CodeServerError, Message: fmt.Sprintf("OpenAI API server error: %v", err), Retryable: true}
	}
	if strings.Contains(lowerErr, "connection") ||
		strings.Contains(lowerErr, "timeout") ||
		strings.Contains(lowerErr, "network") {
		return &Error{Code: CodeNetworkError, Message: fmt.Sprintf("network error calling OpenAI API: %v", err), Retryable: true}
	}

	return &Error{Code: CodeAPIError, Message: fmt.Sprintf("OpenAI API error: %v", err), Retryable: false}
}
