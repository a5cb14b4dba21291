package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiGateway is a thin wrapper around the official genai client. Retries,
// rate limiting and logging are applied via Middleware.
type GeminiGateway struct {
	cli   *genai.Client
	model string
}

// NewGeminiGateway builds a client for the Gemini API. An empty apiKey lets
// the SDK read GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGeminiGateway(ctx context.Context, apiKey, model string) (*GeminiGateway, error) {
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.5-flash"
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiGateway{cli: cli, model: model}, nil
}

func (g *GeminiGateway) Name() string { return "Gemini:" + g.model }

// Complete renders the request, asks for application/json and parses the
// model's JSON into a Result.
func (g *GeminiGateway) Complete(ctx context.Context, req Request) (Result, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return Result{}, err
	}
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return Result{}, classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, &PermanentError{Err: ErrEmptyOutput}
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return ParseResult([]byte(b.String()))
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &TransientError{Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return &PermanentError{Err: fmt.Errorf("%w: %v", ErrUnauthorized, err)}
		case apiErr.Code >= 500, apiErr.Code == http.StatusRequestTimeout:
			return &TransientError{Err: err}
		default:
			return &PermanentError{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Transport-level failures (connection reset, DNS) are worth retrying.
	return &TransientError{Err: err}
}
