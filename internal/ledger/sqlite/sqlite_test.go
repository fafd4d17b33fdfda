package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmrelay/llmrelay/internal/ledger"
)

func TestStoreRecordAndSummary(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	record := func(prompt, completion int64, streamed bool) {
		if err := store.Record(ctx, ledger.Entry{
			UserID:           42,
			Model:            "llama3",
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Streamed:         streamed,
			FinishReason:     "stop",
			Memo:             "test",
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record(100, 50, true)
	record(60, 20, false)

	summary, err := store.Summary(ctx, 42)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Exchanges != 2 {
		t.Fatalf("expected 2 exchanges, got %d", summary.Exchanges)
	}
	if summary.PromptTokens != 160 || summary.CompletionTokens != 70 {
		t.Fatalf("unexpected token sums %+v", summary)
	}
	if summary.TotalTokens != 230 {
		t.Fatalf("unexpected total %d", summary.TotalTokens)
	}
}

func TestListRecentOrdering(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	entries := []ledger.Entry{
		{UserID: 7, Model: "llama3", PromptTokens: 1, CompletionTokens: 1, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{UserID: 7, Model: "llama3", PromptTokens: 2, CompletionTokens: 2, CreatedAt: time.Now().Add(-1 * time.Hour)},
		{UserID: 7, Model: "llama3", PromptTokens: 3, CompletionTokens: 3, CreatedAt: time.Now()},
	}

	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.ListRecent(ctx, 7, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].PromptTokens != 3 || recent[1].PromptTokens != 2 {
		t.Fatalf("unexpected ordering %#v", recent)
	}
}

func TestRecordValidation(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.Record(context.Background(), ledger.Entry{UserID: 0, Model: "llama3"})
	if err == nil {
		t.Fatalf("expected error for missing user id")
	}
}
