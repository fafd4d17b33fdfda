package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/llmrelay/llmrelay/internal/adapter"
	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
)

// Ensure Adapter implements the chat interfaces.
var _ adapter.ChatAdapter = (*Adapter)(nil)
var _ adapter.StreamingChatAdapter = (*Adapter)(nil)
var _ adapter.ModelLister = (*Adapter)(nil)

const (
	// DefaultBaseURL is the conventional local backend endpoint, used when no
	// base URL is configured.
	DefaultBaseURL = "http://localhost:11434"

	chatPath = "/api/chat"
	tagsPath = "/api/tags"

	// defaultNumPredict is the token budget floor applied when the generic
	// caller did not specify one.
	defaultNumPredict = 1024

	// unauthorizedNotice prefixes the relayed body when the backend rejects
	// the configured credentials.
	unauthorizedNotice = "Unauthorized access to the model backend. Check the configured API token.\n\n"
)

// Adapter relays chat exchanges to an Ollama-style backend speaking
// line-delimited JSON.
type Adapter struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// firstResponseTimeout bounds the wait for response headers only; once
	// the stream has begun there is no per-chunk deadline.
	firstResponseTimeout time.Duration
	logger               *log.Logger
}

// Config holds configuration for the backend adapter.
type Config struct {
	BaseURL string // optional, defaults to DefaultBaseURL
	Token   string // optional bearer token
	// FirstResponseTimeout cancels the exchange if the backend has not begun
	// responding; defaults to 60s.
	FirstResponseTimeout time.Duration
	Logger               *log.Logger
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.FirstResponseTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Adapter{
		baseURL:              baseURL,
		token:                cfg.Token,
		firstResponseTimeout: timeout,
		logger:               cfg.Logger,
		// No client-level timeout: it would sever long streams. The armed
		// first-response timer covers the connect/header phase instead.
		httpClient: &http.Client{},
	}, nil
}

// BaseURL returns the normalized backend endpoint.
func (a *Adapter) BaseURL() string { return a.baseURL }

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func (a *Adapter) debugf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// CreateCompletion performs the single round-trip fallback path: the whole
// backend body is awaited, parsed once, and mapped into one response.
func (a *Adapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("ollama: no messages provided")
	}

	body, err := json.Marshal(buildChatRequest(req, false))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("ollama: create request: %w", err)
	}
	a.setHeaders(httpReq)

	// The deadline covers the wait for headers only; a slow body read on a
	// long generation is legitimate and must not be severed.
	var timedOut atomic.Bool
	timer := time.AfterFunc(a.firstResponseTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := a.httpClient.Do(httpReq)
	timer.Stop()
	if err != nil {
		if timedOut.Load() {
			return openai.ChatCompletionResponse{}, relay.Wrap(relay.KindTimeout, "no response before deadline", err)
		}
		return openai.ChatCompletionResponse{}, relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ChatCompletionResponse{}, relay.Wrap(relay.KindBackendUnreachable, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := relay.KindBackendStatus
		if resp.StatusCode == http.StatusUnauthorized {
			kind = relay.KindAuthentication
		}
		return openai.ChatCompletionResponse{}, relay.Errorf(kind, "backend status %d: %s", resp.StatusCode, prettyBody(respBody))
	}

	var chunk chatChunk
	if err := json.Unmarshal(respBody, &chunk); err != nil {
		return openai.ChatCompletionResponse{}, relay.Wrap(relay.KindMalformedRecord, "unmarshal response", err)
	}

	message := openai.ChatMessage{Role: "assistant", Content: chunk.Message.Content}
	usage := openai.UsageBreakdown{
		PromptTokens:     chunk.PromptEvalCount,
		CompletionTokens: chunk.EvalCount,
		TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
	}
	return openai.NewCompletionResponse(req.Model, message, usage), nil
}

// CreateCompletionStream dispatches the exchange with streaming enabled and
// relays the backend's line-delimited records as translated events.
//
// A non-200 status or a non-stream content type never enters the streaming
// state: the response body (plus an unauthorized notice for 401) is emitted
// as the sole content delta, followed immediately by the terminal event.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("ollama: no messages provided")
	}

	body, err := json.Marshal(buildChatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, a.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	a.setHeaders(httpReq)

	// Absolute timer armed at request start; cleared once the first response
	// arrives.
	var timedOut atomic.Bool
	timer := time.AfterFunc(a.firstResponseTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := a.httpClient.Do(httpReq)
	timer.Stop()
	if err != nil {
		cancel()
		switch {
		case timedOut.Load():
			return nil, relay.Wrap(relay.KindTimeout, "no response before deadline", err)
		case ctx.Err() != nil:
			return nil, relay.Wrap(relay.KindAborted, "exchange cancelled", ctx.Err())
		default:
			return nil, relay.Wrap(relay.KindBackendUnreachable, "send request", err)
		}
	}

	if resp.StatusCode != http.StatusOK || !isStreamContentType(resp.Header.Get("Content-Type")) {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		a.debugf("ollama: short-circuit status=%d content_type=%s", resp.StatusCode, resp.Header.Get("Content-Type"))
		return staticEventStream(req.Model, failureNotice(resp.StatusCode, data)), nil
	}

	ch := make(chan adapter.StreamEvent, 10)
	go a.relayLoop(streamCtx, cancel, resp.Body, req.Model, ch)
	return ch, nil
}

// relayLoop reads raw byte chunks, splits them into discrete JSON records and
// emits one translated event per record, in arrival order. A parse failure on
// one line is logged and skipped; it never aborts the exchange.
func (a *Adapter) relayLoop(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, model string, ch chan<- adapter.StreamEvent) {
	defer close(ch)
	defer cancel()
	defer body.Close()

	buf := make([]byte, 8192)
	leftover := ""
	for {
		select {
		case <-ctx.Done():
			ch <- adapter.StreamEvent{Error: relay.Wrap(relay.KindAborted, "exchange cancelled", ctx.Err())}
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				if a.emitLine(line, model, ch) {
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A final record without a trailing newline still counts.
				a.emitLine(leftover, model, ch)
				return
			}
			// Cancellation surfaces as a read error on the severed body.
			if ctx.Err() != nil {
				ch <- adapter.StreamEvent{Error: relay.Wrap(relay.KindAborted, "exchange cancelled", ctx.Err())}
				return
			}
			ch <- adapter.StreamEvent{Error: relay.Wrap(relay.KindBackendUnreachable, "read stream", err)}
			return
		}
	}
}

// emitLine translates one stream line. It reports true when the record
// carried the completion flag and the loop should stop reading.
func (a *Adapter) emitLine(line, model string, ch chan<- adapter.StreamEvent) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	var chunk chatChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		a.debugf("ollama: skipping malformed stream line: %v", err)
		return false
	}
	if chunk.Message.Content != "" {
		ch <- adapter.StreamEvent{Chunk: deltaChunk(model, chunk.Message.Content)}
	}
	if chunk.Done {
		ch <- adapter.StreamEvent{
			Chunk: finishChunk(model),
			Usage: &openai.UsageBreakdown{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			},
		}
		return true
	}
	// A record with neither content nor the done flag is a keep-alive
	// control record; drop it without noise.
	return false
}

// staticEventStream delivers text as one content delta followed by the
// terminal event. Used for short-circuited exchanges that never stream.
func staticEventStream(model, text string) <-chan adapter.StreamEvent {
	ch := make(chan adapter.StreamEvent, 2)
	if text != "" {
		ch <- adapter.StreamEvent{Chunk: deltaChunk(model, text)}
	}
	ch <- adapter.StreamEvent{Chunk: finishChunk(model), Usage: &openai.UsageBreakdown{}}
	close(ch)
	return ch
}

func failureNotice(status int, body []byte) string {
	var sb strings.Builder
	if status == http.StatusUnauthorized {
		sb.WriteString(unauthorizedNotice)
	}
	sb.WriteString(prettyBody(body))
	return sb.String()
}

func isStreamContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "application/x-ndjson") ||
		strings.HasPrefix(ct, "application/json") ||
		strings.HasPrefix(ct, "text/event-stream")
}

func deltaChunk(model, fragment string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Index: 0,
			Delta: openai.ChatMessageDelta{Content: fragment},
		}},
	}
}

func finishChunk(model string) *openai.ChatCompletionChunk {
	finish := "stop"
	return &openai.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Index:        0,
			FinishReason: &finish,
		}},
	}
}
