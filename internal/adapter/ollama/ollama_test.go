package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/llmrelay/llmrelay/internal/adapter"
	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
)

func newTestAdapter(t *testing.T, baseURL, token string) *Adapter {
	t.Helper()
	a, err := New(Config{BaseURL: baseURL, Token: token, FirstResponseTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

// drain collects the full event stream, returning the concatenated content,
// the final usage and any error event.
func drain(t *testing.T, ch <-chan adapter.StreamEvent) (string, *openai.UsageBreakdown, error) {
	t.Helper()
	var sb strings.Builder
	var usage *openai.UsageBreakdown
	for ev := range ch {
		if ev.Error != nil {
			return sb.String(), usage, ev.Error
		}
		if ev.Chunk != nil {
			sb.WriteString(ev.Chunk.DeltaContent())
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
	}
	return sb.String(), usage, nil
}

func ndjsonBackend(t *testing.T, lines []string, capture *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode backend request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
}

func TestStreamConcatenationMatchesFallback(t *testing.T) {
	lines := []string{
		`{"model":"llama3","message":{"role":"assistant","content":"Hi"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":" there"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":3}`,
	}
	srv := ndjsonBackend(t, lines, nil)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	req := openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "greet me"}},
	}

	ch, err := a.CreateCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	text, usage, evErr := drain(t, ch)
	if evErr != nil {
		t.Fatalf("stream error event: %v", evErr)
	}
	if text != "Hi there" {
		t.Errorf("stream text = %q, want %q", text, "Hi there")
	}
	if usage == nil {
		t.Fatal("no usage on final event")
	}
	if usage.PromptTokens != 5 || usage.CompletionTokens != 3 || usage.TotalTokens != 8 {
		t.Errorf("usage = %+v, want 5/3/8", usage)
	}
}

func TestStreamFinalRecordCarriesContentAndCounters(t *testing.T) {
	lines := []string{
		`{"message":{"content":"Hi"},"done":false}`,
		`{"message":{"content":" there"},"done":true,"eval_count":3,"prompt_eval_count":5}`,
	}
	srv := ndjsonBackend(t, lines, nil)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "greet me"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}

	var events []adapter.StreamEvent
	for ev := range ch {
		if ev.Error != nil {
			t.Fatalf("stream error event: %v", ev.Error)
		}
		events = append(events, ev)
	}
	// The done record carries its own fragment: it yields a delta event and
	// then the finish event, in that order.
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 deltas + finish", len(events))
	}
	if got := events[0].Chunk.DeltaContent(); got != "Hi" {
		t.Errorf("first delta = %q, want %q", got, "Hi")
	}
	if got := events[1].Chunk.DeltaContent(); got != " there" {
		t.Errorf("second delta = %q, want %q", got, " there")
	}
	if fr := events[2].Chunk.FinishReason(); fr == nil || *fr != "stop" {
		t.Errorf("finish reason = %v, want stop", fr)
	}
	usage := events[2].Usage
	if usage == nil || usage.PromptTokens != 5 || usage.CompletionTokens != 3 || usage.TotalTokens != 8 {
		t.Errorf("usage = %+v, want 5/3/8", usage)
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	lines := []string{
		`{"message":{"content":"a"},"done":false}`,
		`{not valid json`,
		`{"message":{"content":"b"},"done":false}`,
		``,
		`{"message":{"content":""},"done":true}`,
	}
	srv := ndjsonBackend(t, lines, nil)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	text, _, evErr := drain(t, ch)
	if evErr != nil {
		t.Fatalf("stream error event: %v", evErr)
	}
	if text != "ab" {
		t.Errorf("stream text = %q, want %q", text, "ab")
	}
}

func TestStreamFinalRecordWithoutTrailingNewline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"content":"solo"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"content":""},"done":true,"eval_count":1}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	text, usage, evErr := drain(t, ch)
	if evErr != nil {
		t.Fatalf("stream error event: %v", evErr)
	}
	if text != "solo" {
		t.Errorf("stream text = %q, want %q", text, "solo")
	}
	if usage == nil || usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v, want completion tokens 1", usage)
	}
}

func TestRequestTranslation(t *testing.T) {
	var captured chatRequest
	lines := []string{`{"message":{"content":""},"done":true}`}
	srv := ndjsonBackend(t, lines, &captured)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "sekrit")
	temp := 0.2
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:       "llama3",
		Messages:    []openai.ChatMessage{{Role: "user", Content: "x"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	drain(t, ch)

	if captured.Model != "llama3" {
		t.Errorf("model = %q", captured.Model)
	}
	if !captured.Stream {
		t.Error("stream flag not set")
	}
	if captured.Options == nil || captured.Options.NumPredict == nil {
		t.Fatal("options.num_predict not set")
	}
	if *captured.Options.NumPredict != defaultNumPredict {
		t.Errorf("num_predict = %d, want %d", *captured.Options.NumPredict, defaultNumPredict)
	}
	if captured.Options.Temperature == nil || *captured.Options.Temperature != 0.2 {
		t.Errorf("temperature not forwarded: %+v", captured.Options)
	}
}

func TestCallerMaxTokensOverridesFloor(t *testing.T) {
	var captured chatRequest
	lines := []string{`{"message":{"content":""},"done":true}`}
	srv := ndjsonBackend(t, lines, &captured)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	maxTok := 16
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:     "llama3",
		Messages:  []openai.ChatMessage{{Role: "user", Content: "x"}},
		MaxTokens: &maxTok,
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	drain(t, ch)

	if captured.Options == nil || captured.Options.NumPredict == nil || *captured.Options.NumPredict != 16 {
		t.Errorf("num_predict = %+v, want 16", captured.Options)
	}
}

func TestBearerHeaderAndPathJoin(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	// Trailing slash in the configured base must not double up in the path.
	a := newTestAdapter(t, srv.URL+"/", "sekrit")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	drain(t, ch)

	if gotAuth != "Bearer sekrit" {
		t.Errorf("authorization header = %q", gotAuth)
	}
	if gotPath != "/api/chat" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestUnauthorizedShortCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "bad")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}

	var events []adapter.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want delta + finish", len(events))
	}
	content := events[0].Chunk.DeltaContent()
	if !strings.Contains(content, "Unauthorized access") {
		t.Errorf("missing notice in %q", content)
	}
	if !strings.Contains(content, "invalid token") {
		t.Errorf("missing body in %q", content)
	}
	if fr := events[1].Chunk.FinishReason(); fr == nil || *fr != "stop" {
		t.Errorf("finish reason = %v, want stop", fr)
	}
}

func TestBackendErrorShortCircuitIndentsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	ch, err := a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "missing",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletionStream() error: %v", err)
	}
	text, _, evErr := drain(t, ch)
	if evErr != nil {
		t.Fatalf("stream error event: %v", evErr)
	}
	if strings.Contains(text, "Unauthorized access") {
		t.Error("notice must only appear on 401")
	}
	if !strings.Contains(text, "model not found") {
		t.Errorf("missing backend body in %q", text)
	}
}

func TestCancellationBeforeFirstByte(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := newTestAdapter(t, srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := a.CreateCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error on cancelled dispatch")
	}
	if relay.KindOf(err) != relay.KindAborted {
		t.Errorf("kind = %q, want %q", relay.KindOf(err), relay.KindAborted)
	}
}

func TestFirstResponseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a, err := New(Config{BaseURL: srv.URL, FirstResponseTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = a.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if relay.KindOf(err) != relay.KindTimeout {
		t.Errorf("kind = %q, want %q", relay.KindOf(err), relay.KindTimeout)
	}
}

func TestCreateCompletionSlowBodySurvivesDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant",`))
		flusher.Flush()
		// Body delivery outlasts the first-response window; only the wait
		// for headers is bounded.
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`"content":"slow"},"done":true,"eval_count":1}`))
	}))
	defer srv.Close()

	a, err := New(Config{BaseURL: srv.URL, FirstResponseTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	resp, err := a.CreateCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletion() error: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "slow" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateCompletionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got chatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got.Stream {
			t.Error("fallback must dispatch with stream disabled")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hi there"},"done":true,"prompt_eval_count":5,"eval_count":3}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	resp, err := a.CreateCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "greet me"}},
	})
	if err != nil {
		t.Fatalf("CreateCompletion() error: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hi there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("total tokens = %d, want 8", resp.Usage.TotalTokens)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("response id = %q", resp.ID)
	}
}

func TestCreateCompletionBackendStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	_, err := a.CreateCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "llama3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var re *relay.Error
	if !errors.As(err, &re) || re.Kind != relay.KindBackendStatus {
		t.Errorf("error = %v, want backend_non_success", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b","modified_at":"2024-05-01T10:00:00Z","size":4661224676,"digest":"abc"}]}`))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, "")
	resp, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "llama3:8b" {
		t.Fatalf("unexpected models: %+v", resp)
	}
	if resp.Object != "list" || resp.Data[0].Object != "model" {
		t.Errorf("object markers wrong: %+v", resp)
	}
}

func TestDefaultBaseURLWhenEmpty(t *testing.T) {
	a, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.BaseURL() != DefaultBaseURL {
		t.Errorf("base url = %q, want %q", a.BaseURL(), DefaultBaseURL)
	}
}
