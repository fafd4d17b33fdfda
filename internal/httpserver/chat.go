package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/llmrelay/llmrelay/internal/adapter"
	"github.com/llmrelay/llmrelay/internal/ledger"
	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/internal/relay"
	"github.com/llmrelay/llmrelay/internal/userstore"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	// Credentials are checked before any backend traffic is dispatched.
	sessionUser, apiKey, err := s.authenticateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("messages required"))
		return
	}

	backendReq := req
	if s.meta != nil {
		backendReq.Model = s.meta.Resolve(req.Model)
	}

	if req.WantsStream() {
		if sa, ok := s.adapter.(adapter.StreamingChatAdapter); ok {
			s.handleChatStream(w, r, reqStart, req, backendReq, sessionUser, apiKey, sa)
			return
		}
		// Adapter without streaming support falls back to one round trip.
	}

	upstreamStart := time.Now()
	resp, err := s.adapter.CreateCompletion(r.Context(), backendReq)
	if err != nil {
		s.respondError(w, kindStatus(err), err)
		return
	}
	upstreamDur := time.Since(upstreamStart)
	resp.Model = req.Model

	s.recordExchange(r.Context(), sessionUser, apiKey, ledger.Entry{
		Model:            req.Model,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		FinishReason:     "stop",
		Memo:             "chat.completions",
	})

	s.respondJSON(w, http.StatusOK, resp)
	if s.logger != nil {
		s.logger.Printf("chat.completions total_ms=%d upstream_ms=%d model=%s", time.Since(reqStart).Milliseconds(), upstreamDur.Milliseconds(), req.Model)
	}
}

func (s *Server) handleChatStream(
	w http.ResponseWriter,
	r *http.Request,
	reqStart time.Time,
	req openai.ChatCompletionRequest,
	backendReq openai.ChatCompletionRequest,
	sessionUser *userstore.User,
	apiKey *userstore.APIKey,
	sa adapter.StreamingChatAdapter,
) {
	ch, err := sa.CreateCompletionStream(r.Context(), backendReq)
	if err != nil {
		s.respondError(w, kindStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	sink := &sseSink{w: w, flusher: flusher, model: req.Model}
	ex := relay.NewExchange(sink)

	var usage openai.UsageBreakdown
	var failed error
	firstDeltaAt := time.Time{}

	for ev := range ch {
		if ev.Error != nil {
			failed = ev.Error
			continue
		}
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if ev.Chunk == nil {
			continue
		}
		if fr := ev.Chunk.FinishReason(); fr != nil {
			sink.finishReason = *fr
			continue
		}
		fragment := ev.Chunk.DeltaContent()
		if firstDeltaAt.IsZero() && fragment != "" {
			firstDeltaAt = time.Now()
		}
		ex.Append(fragment)
	}

	// The channel is closed; settle the exchange. The sink emits the finish
	// record and the terminal marker exactly once whichever branch runs.
	switch {
	case r.Context().Err() != nil || (failed != nil && relay.KindOf(failed) == relay.KindAborted):
		ex.Abort()
	case failed != nil:
		ex.Fail(failed)
	default:
		ex.Complete()
	}

	if usage.TotalTokens == 0 {
		// No final counters reached us; approximate so the ledger still
		// reflects the exchange.
		usage.PromptTokens = approximateTokens(promptChars(req))
		usage.CompletionTokens = approximateTokens(len(ex.Text()))
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	s.recordExchange(r.Context(), sessionUser, apiKey, ledger.Entry{
		Model:            req.Model,
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		Streamed:         true,
		FinishReason:     sink.finishReason,
		Memo:             "chat.completions(stream)",
	})

	if s.logger != nil {
		total := time.Since(reqStart)
		ttfb := time.Duration(0)
		if !firstDeltaAt.IsZero() {
			ttfb = firstDeltaAt.Sub(reqStart)
		}
		s.logger.Printf("chat.completions.stream total_ms=%d ttfb_ms=%d model=%s state=%s", total.Milliseconds(), ttfb.Milliseconds(), req.Model, ex.State())
	}
}

// sseSink renders exchange transitions as the caller-facing event stream.
// Each record is framed as "data: <json>" followed by a blank line; ids are
// assigned sequentially in emission order.
type sseSink struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	model        string
	nextID       int64
	finishReason string
}

func (s *sseSink) OnDelta(total, fragment string) {
	s.writeChunk(openai.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Index: 0,
			Delta: openai.ChatMessageDelta{Content: fragment},
		}},
	})
}

func (s *sseSink) OnError(err error) {
	payload := map[string]any{"error": map[string]any{
		"kind":    string(relay.KindOf(err)),
		"message": err.Error(),
	}}
	b, _ := json.Marshal(payload)
	_, _ = io.WriteString(s.w, "data: ")
	_, _ = s.w.Write(b)
	_, _ = io.WriteString(s.w, "\n\n")
	s.flush()
}

func (s *sseSink) OnComplete(final string) {
	reason := s.finishReason
	if reason == "" {
		reason = "stop"
		s.finishReason = reason
	}
	s.writeChunk(openai.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Index:        0,
			FinishReason: &reason,
		}},
	})
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	s.flush()
}

func (s *sseSink) writeChunk(chunk openai.ChatCompletionChunk) {
	s.nextID++
	chunk.ID = s.nextID
	_, _ = io.WriteString(s.w, "data: ")
	if err := json.NewEncoder(s.w).Encode(chunk); err != nil {
		return
	}
	_, _ = io.WriteString(s.w, "\n")
	s.flush()
}

func (s *sseSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func promptChars(req openai.ChatCompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}

// approximateTokens estimates tokens from character counts (4 chars ~ 1 token).
func approximateTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return chars/4 + 1
}
