// Package ai defines the model-query abstraction used by the AI pipeline
// stages. Providers live in subpackages and are selected via the factory.
package ai

import "context"

// QueryRequest is a single-turn prompt sent to a chat model.
type QueryRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completion is the model's reply plus usage accounting for tracing.
type Completion struct {
	Text             string
	RequestID        string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Querier is the interface all AI providers implement.
type Querier interface {
	Name() string
	Query(ctx context.Context, req QueryRequest) (*Completion, error)
}
