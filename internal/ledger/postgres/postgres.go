package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/llmrelay/llmrelay/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle int, connLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connLifetime > 0 {
		db.SetConnMaxLifetime(connLifetime)
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
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	api_key_id BIGINT,
	model TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	streamed BOOLEAN NOT NULL DEFAULT FALSE,
	finish_reason TEXT,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_exchange_entries_user_created ON exchange_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_exchange_entries_api_key_created ON exchange_entries(api_key_id, created_at DESC);
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
WHERE user_id = $1`, userID)

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
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
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
