package ledger

import (
	"context"
	"time"
)

// Entry is one relayed exchange written to the local usage ledger. Token
// counts come from the backend's eval counters; streamed exchanges that end
// early keep whatever was counted up to the cut.
type Entry struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	APIKeyID         *int64    `json:"api_key_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Streamed         bool      `json:"streamed"`
	FinishReason     string    `json:"finish_reason"`
	Memo             string    `json:"memo"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates token usage for a user.
type Summary struct {
	Exchanges        int64 `json:"exchanges"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID int64) (Summary, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]Entry, error)
	Close() error
}
