package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGoogleModel is the Gemini model used when none is specified.
const DefaultGoogleModel = "gemini-1.5-flash"

// Google is a Generator backed by Google's Gemini API.
type Google struct {
	client *genai.Client
	model  string
}

// NewGoogle creates a Gemini generator. If apiKey is empty, the
// GOOGLE_API_KEY environment variable is used; if model is empty,
// DefaultGoogleModel is used.
func NewGoogle(ctx context.Context, apiKey, model string) (*Google, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, &Error{
				Code:      "missing_api_key",
				Message:   "Google API key not provided and GOOGLE_API_KEY environment variable not set",
				Retryable: false,
			}
		}
	}
	if model == "" {
		model = DefaultGoogleModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &Google{client: client, model: model}, nil
}

// Close releases the underlying Gemini client.
func (g *Google) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name implements Generator.
func (g *Google) Name() string { return "google" }

// Generate implements Generator.
func (g *Google) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	model := g.client.GenerativeModel(g.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Completion{}, g.mapError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Completion{}, &Error{Code: CodeAPIError, Message: "empty response from Gemini", Retryable: true}
	}

	var text strings.Builder
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	usage := Usage{Provider: g.Name(), Model: g.model}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return Completion{Text: text.String(), Usage: usage}, nil
}

// mapError converts Gemini API errors into classified *Error values.
func (g *Google) mapError(err error) error {
	if err == nil {
		return nil
	}

	lowerMsg := strings.ToLower(err.Error())

	if strings.Contains(lowerMsg, "api key") ||
		strings.Contains(lowerMsg, "authentication") ||
		strings.Contains(lowerMsg, "unauthorized") ||
		strings.Contains(lowerMsg, "invalid_api_key") {
		return &Error{Code: CodeInvalidAPIKey, Message: fmt.Sprintf("invalid or missing API key: %v", err), Retryable: false}
	}
	if strings.Contains(lowerMsg, "rate limit") ||
		strings.Contains(lowerMsg, "too many requests") ||
		strings.Contains(lowerMsg, "resource_exhausted") {
		return &Error{Code: CodeRateLimited, Message: fmt.Sprintf("rate limit exceeded: %v", err), Retryable: true}
	}
	if strings.Contains(lowerMsg, "quota exceeded") ||
		strings.Contains(lowerMsg, "billing") {
		return &Error{Code: CodeQuotaExceeded, Message: fmt.Sprintf("quota exceeded: %v", err), Retryable: false}
	}

	return &Error{Code: CodeAPIError, Message: fmt.Sprintf("Google API error: %v", err), Retryable: true}
}
