package ollama

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/llmrelay/llmrelay/internal/openai"
)

// chatRequest is the backend-native projection of a chat request. Sampling
// parameters move into the options sub-structure; unset fields stay off the
// wire so the backend applies its own defaults.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []openai.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *chatOptions         `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
}

// chatChunk is one parsed record of the backend stream. The eval counters are
// only meaningful on the final record, where done is true.
type chatChunk struct {
	Model           string      `json:"model"`
	CreatedAt       time.Time   `json:"created_at"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// tagsResponse is the backend's model listing shape.
type tagsResponse struct {
	Models []tagEntry `json:"models"`
}

type tagEntry struct {
	Name       string     `json:"name"`
	ModifiedAt time.Time  `json:"modified_at"`
	Size       int64      `json:"size"`
	Digest     string     `json:"digest"`
	Details    tagDetails `json:"details"`
}

type tagDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// buildChatRequest maps the generic request onto the backend wire. When the
// caller gave no token budget the relay enforces a floor of defaultNumPredict
// so short backend defaults never truncate relayed answers.
func buildChatRequest(req openai.ChatCompletionRequest, stream bool) chatRequest {
	floor := defaultNumPredict
	opts := &chatOptions{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		NumPredict:       req.MaxTokens,
	}
	if opts.NumPredict == nil {
		opts.NumPredict = &floor
	}
	return chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  opts,
	}
}

// prettyBody renders a backend error body for display: JSON is indented,
// anything else passes through untouched.
func prettyBody(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return string(trimmed)
	}
	return out.String()
}
