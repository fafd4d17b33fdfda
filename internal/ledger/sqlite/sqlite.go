package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/llmrelay/llmrelay/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS exchange_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	api_key_id INTEGER,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	streamed INTEGER NOT NULL DEFAULT 0,
	finish_reason TEXT,
	memo TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_exchange_entries_user_created ON exchange_entries(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new exchange entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.UserID == 0 {
		return errors.New("ledger record requires user id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var apiKey interface{}
	if entry.APIKeyID != nil {
		apiKey = *entry.APIKeyID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchange_entries(user_id, api_key_id, model, prompt_tokens, completion_tokens, streamed, finish_reason, memo, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID,
		apiKey,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.Streamed,
		entry.FinishReason,
		entry.Memo,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given user.
func (s *Store) Summary(ctx context.Context, userID int64) (ledger.Summary, error) {
	if userID == 0 {
		return ledger.Summary{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) AS exchanges,
	COALESCE(SUM(prompt_tokens), 0) AS prompt,
	COALESCE(SUM(completion_tokens), 0) AS completion
FROM exchange_entries
WHERE user_id = ?`, userID)

	var exchanges, prompt, completion sql.NullInt64
	if err := row.Scan(&exchanges, &prompt, &completion); err != nil {
		return ledger.Summary{}, err
	}
	summary := ledger.Summary{
		Exchanges:        exchanges.Int64,
		PromptTokens:     prompt.Int64,
		CompletionTokens: completion.Int64,
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return summary, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, api_key_id, model, prompt_tokens, completion_tokens, streamed, finish_reason, memo, created_at
FROM exchange_entries
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var apiKey sql.NullInt64
		var finishReason, memo sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &apiKey, &e.Model, &e.PromptTokens, &e.CompletionTokens, &e.Streamed, &finishReason, &memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		if apiKey.Valid {
			id := apiKey.Int64
			e.APIKeyID = &id
		}
		e.FinishReason = finishReason.String
		e.Memo = memo.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
