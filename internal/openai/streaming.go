package openai

// ChatCompletionChunk is one record of the caller-facing event stream.
// The id is a per-exchange sequence number assigned by whoever writes the
// stream; records carry it in the order the backend produced them.
type ChatCompletionChunk struct {
	ID      int64                       `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
// FinishReason stays null for every delta record and is set exactly once,
// on the final record.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta is the incremental content carried by one chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// DeltaContent returns the content fragment of the first choice.
func (c *ChatCompletionChunk) DeltaContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// FinishReason returns the finish reason of the first choice, if any.
func (c *ChatCompletionChunk) FinishReason() *string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return nil
}
