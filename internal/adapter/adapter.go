package adapter

import (
	"context"

	"github.com/llmrelay/llmrelay/internal/openai"
)

// ChatAdapter converts OpenAI compatible chat requests into backend specific
// responses using the single round-trip path.
type ChatAdapter interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamingChatAdapter additionally relays the backend's incremental stream.
// The returned channel is closed after the final event; closure without a
// finish event means the backend ended the stream early and the exchange
// still finalizes with whatever was received.
type StreamingChatAdapter interface {
	ChatAdapter
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// ModelLister exposes the backend's model catalogue.
type ModelLister interface {
	ListModels(ctx context.Context) (openai.ModelsResponse, error)
}

// StreamEvent is one translated unit of a backend stream. Exactly one of
// Chunk or Error is set. Usage accompanies the final chunk only; on every
// other event the counters are absent.
type StreamEvent struct {
	Chunk *openai.ChatCompletionChunk
	Usage *openai.UsageBreakdown
	Error error
}
