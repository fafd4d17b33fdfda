// Package relayclient is a small client for the relay's OpenAI-compatible
// endpoints, used by the bundled CLI and suitable for embedding.
package relayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
)

// DefaultBaseURL is the relay daemon's default listen address.
const DefaultBaseURL = "http://localhost:8084"

const donePayload = "[DONE]"

// Client talks to a relay daemon.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option mutates client construction.
type Option func(*Client)

// WithToken sets the bearer credential sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the transport. The supplied client must not carry
// a global timeout or long streams will be severed.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the given base URL, defaulting to DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Chat runs a streaming exchange, reporting deltas to sink as they arrive.
// It returns the final accumulated text. A nil sink is allowed.
func (c *Client) Chat(ctx context.Context, req openai.ChatCompletionRequest, sink relay.Sink) (string, error) {
	stream := true
	req.Stream = &stream

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("relayclient: marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()

	ex := relay.NewExchange(sink)
	if resp.StatusCode != http.StatusOK {
		err := decodeErrorBody(resp)
		ex.Fail(err)
		return ex.Text(), err
	}

	var failure error
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == donePayload {
			// The stream terminator arrives even after a failure record.
			if failure != nil {
				ex.Fail(failure)
				return ex.Text(), failure
			}
			ex.Complete()
			return ex.Text(), nil
		}
		if kind, msg, ok := parseErrorRecord(payload); ok {
			failure = relay.Errorf(kind, "%s", msg)
			continue
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// One unreadable record does not end the exchange.
			continue
		}
		if fragment := chunk.DeltaContent(); fragment != "" {
			ex.Append(fragment)
		}
	}

	switch {
	case ctx.Err() != nil:
		ex.Abort()
		return ex.Text(), relay.Wrap(relay.KindAborted, "exchange cancelled", ctx.Err())
	case failure != nil:
		ex.Fail(failure)
		return ex.Text(), failure
	case scanner.Err() != nil:
		err := relay.Wrap(relay.KindBackendUnreachable, "read stream", scanner.Err())
		ex.Fail(err)
		return ex.Text(), err
	default:
		// Stream ended without a terminal marker; treat as complete with
		// whatever arrived.
		ex.Complete()
		return ex.Text(), nil
	}
}

// Complete runs a non-streaming exchange and returns the full response.
func (c *Client) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	stream := false
	req.Stream = &stream

	body, err := json.Marshal(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("relayclient: marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return openai.ChatCompletionResponse{}, decodeErrorBody(resp)
	}

	var out openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("relayclient: decode response: %w", err)
	}
	return out, nil
}

// Models lists the models the relay exposes.
func (c *Client) Models(ctx context.Context) (openai.ModelsResponse, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return openai.ModelsResponse{}, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return openai.ModelsResponse{}, relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return openai.ModelsResponse{}, decodeErrorBody(resp)
	}
	var out openai.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return openai.ModelsResponse{}, fmt.Errorf("relayclient: decode response: %w", err)
	}
	return out, nil
}

// Health probes the relay daemon.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return relay.Wrap(relay.KindBackendUnreachable, "send request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.Errorf(relay.KindBackendStatus, "relay status %d", resp.StatusCode)
	}
	return nil
}

type errorPayload struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseErrorRecord(payload string) (relay.Kind, string, bool) {
	var p errorPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", "", false
	}
	if p.Error.Kind == "" && p.Error.Message == "" {
		return "", "", false
	}
	kind := relay.Kind(p.Error.Kind)
	if p.Error.Kind == "" {
		kind = relay.KindBackendUnreachable
	}
	return kind, p.Error.Message, true
}

func decodeErrorBody(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var p errorPayload
	if err := json.Unmarshal(data, &p); err == nil && p.Error.Message != "" {
		kind := relay.Kind(p.Error.Kind)
		if p.Error.Kind == "" {
			kind = relay.KindBackendStatus
		}
		return relay.Errorf(kind, "%s", p.Error.Message)
	}
	return relay.Errorf(relay.KindBackendStatus, "relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// WaitReady polls the health endpoint until the relay answers or the context
// expires.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
