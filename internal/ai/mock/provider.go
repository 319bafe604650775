// Package mock provides an ai.Querier for tests and offline development.
package mock

import (
	"context"
	"strings"

	"github.com/docpipe/docpipe/internal/ai"
)

// MockProvider satisfies ai.Querier for testing.
type MockProvider struct {
	Name_     string
	QueryFunc func(ctx context.Context, req ai.QueryRequest) (*ai.Completion, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Query(ctx context.Context, req ai.QueryRequest) (*ai.Completion, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, req)
	}
	return &ai.Completion{Text: "{}", Model: "mock-v1"}, nil
}

// NewMockProvider returns a MockProvider whose replies are shaped by the
// prompt: categorize, extract and deidentify prompts each get a well-formed
// JSON payload, so the full pipeline can run without a model.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		QueryFunc: func(_ context.Context, req ai.QueryRequest) (*ai.Completion, error) {
			text := `{}`
			switch {
			case strings.Contains(req.Prompt, "pii_items"):
				text = `{"pii_items":[{"type":"person","value":"Jane Doe","strategy":"REDACT","replacement":"[REDACTED]"}]}`
			case strings.Contains(req.Prompt, `"entities"`):
				text = `{"entities":[{"type":"person","value":"Jane Doe","confidence":0.95},{"type":"amount","value":"$250,000","confidence":0.9}]}`
			case strings.Contains(req.Prompt, "primary_category"):
				text = `{"primary_category":"Loan Application","primary_confidence":0.92,"primary_justification":"mentions loan terms","secondary_category":"Contract Agreement","secondary_confidence":0.41,"secondary_justification":"contains signature block"}`
			}
			return &ai.Completion{
				Text:             text,
				RequestID:        "mock-req-1",
				Model:            "mock-v1",
				FinishReason:     "stop",
				PromptTokens:     len(req.Prompt) / 4,
				CompletionTokens: len(text) / 4,
				TotalTokens:      (len(req.Prompt) + len(text)) / 4,
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		QueryFunc: func(_ context.Context, _ ai.QueryRequest) (*ai.Completion, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		QueryFunc: func(ctx context.Context, _ ai.QueryRequest) (*ai.Completion, error) {
			<-ctx.Done()
			return nil, ai.ErrInferenceTimeout
		},
	}
}

// NewMalformedProvider returns a MockProvider whose replies are never valid
// JSON, for exercising the degraded-output fallback.
func NewMalformedProvider(text string) *MockProvider {
	return &MockProvider{
		Name_: "mock-malformed",
		QueryFunc: func(_ context.Context, _ ai.QueryRequest) (*ai.Completion, error) {
			return &ai.Completion{Text: text, Model: "mock-v1", FinishReason: "stop"}, nil
		},
	}
}

// Compile-time check that MockProvider implements Querier.
var _ ai.Querier = (*MockProvider)(nil)
