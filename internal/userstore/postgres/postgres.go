package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/llmrelay/llmrelay/internal/userstore"
)

// Store implements userstore.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed identity store using the provided DSN.
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
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT,
	key_hash TEXT NOT NULL UNIQUE,
	scopes TEXT[],
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureRootAdmin guarantees a root admin account exists with the provided email.
func (s *Store) EnsureRootAdmin(ctx context.Context, email string) (*userstore.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		email = "admin@local"
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, email, role, COALESCE(display_name,''), status, created_at, updated_at FROM users WHERE role = $1 LIMIT 1`, userstore.RoleRootAdmin)
	var existing userstore.User
	scanErr := row.Scan(&existing.ID, &existing.Email, &existing.Role, &existing.DisplayName, &existing.Status, &existing.CreatedAt, &existing.UpdatedAt)
	if scanErr == nil {
		if !strings.EqualFold(existing.Email, email) {
			if _, err := s.db.ExecContext(ctx, `UPDATE users SET email = $1, updated_at = NOW() WHERE id = $2`, email, existing.ID); err != nil {
				return nil, err
			}
			existing.Email = email
		}
		return &existing, nil
	}
	if scanErr != sql.ErrNoRows {
		return nil, scanErr
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO users(email, role, status) VALUES($1, $2, $3) RETURNING id`, email, userstore.RoleRootAdmin, userstore.StatusActive).Scan(&id)
	if err != nil {
		return nil, err
	}
	created := time.Now().UTC()
	return &userstore.User{
		ID:        id,
		Email:     email,
		Role:      userstore.RoleRootAdmin,
		Status:    userstore.StatusActive,
		CreatedAt: created,
		UpdatedAt: created,
	}, nil
}

// FindByEmail returns the user matching the email, if present.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	row := s.db.QueryRowContext(ctx, `SELECT id, email, role, COALESCE(display_name,''), status, created_at, updated_at FROM users WHERE email = $1 LIMIT 1`, email)
	var u userstore.User
	if err := row.Scan(&u.ID, &u.Email, &u.Role, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateAPIKey mints a key bound to the user and returns the raw secret.
func (s *Store) CreateAPIKey(ctx context.Context, userID int64, name string, scopes []string, expiresAt *time.Time) (*userstore.APIKey, string, error) {
	secret, err := userstore.NewSecret()
	if err != nil {
		return nil, "", err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO api_keys(user_id, name, key_hash, scopes, expires_at) VALUES($1, $2, $3, $4, $5) RETURNING id`,
		userID, name, userstore.HashSecret(secret), pq.Array(scopes), expiresAt).Scan(&id)
	if err != nil {
		return nil, "", err
	}
	return &userstore.APIKey{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}, secret, nil
}

// LookupAPIKey resolves a raw secret to its key and owning user.
func (s *Store) LookupAPIKey(ctx context.Context, secret string) (*userstore.APIKey, *userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT k.id, k.user_id, COALESCE(k.name,''), k.scopes, k.expires_at, k.created_at,
       u.id, u.email, u.role, COALESCE(u.display_name,''), u.status, u.created_at, u.updated_at
FROM api_keys k
JOIN users u ON u.id = k.user_id
WHERE k.key_hash = $1 LIMIT 1`, userstore.HashSecret(secret))

	var key userstore.APIKey
	var user userstore.User
	var expires sql.NullTime
	err := row.Scan(&key.ID, &key.UserID, &key.Name, pq.Array(&key.Scopes), &expires, &key.CreatedAt,
		&user.ID, &user.Email, &user.Role, &user.DisplayName, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if expires.Valid {
		t := expires.Time
		key.ExpiresAt = &t
		if time.Now().After(t) {
			return nil, nil, nil
		}
	}
	return &key, &user, nil
}
