package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/llmrelay/llmrelay/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite identity store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
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
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT,
	key_hash TEXT NOT NULL UNIQUE,
	scopes TEXT,
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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

	row := s.db.QueryRowContext(ctx, `SELECT id, email, role, COALESCE(display_name,''), status, created_at, updated_at FROM users WHERE role = ? LIMIT 1`, userstore.RoleRootAdmin)
	var existing userstore.User
	scanErr := row.Scan(&existing.ID, &existing.Email, &existing.Role, &existing.DisplayName, &existing.Status, &existing.CreatedAt, &existing.UpdatedAt)
	if scanErr == nil {
		if !strings.EqualFold(existing.Email, email) {
			if _, err := s.db.ExecContext(ctx, `UPDATE users SET email = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, email, existing.ID); err != nil {
				return nil, err
			}
			existing.Email = email
		}
		return &existing, nil
	}
	if scanErr != sql.ErrNoRows {
		return nil, scanErr
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email, role, status) VALUES(?, ?, ?)`, email, userstore.RoleRootAdmin, userstore.StatusActive)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
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
	row := s.db.QueryRowContext(ctx, `SELECT id, email, role, COALESCE(display_name,''), status, created_at, updated_at FROM users WHERE email = ? LIMIT 1`, email)
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
	// Scopes stored comma-joined; the Postgres variant uses a TEXT[] column.
	res, err := s.db.ExecContext(ctx, `INSERT INTO api_keys(user_id, name, key_hash, scopes, expires_at) VALUES(?, ?, ?, ?, ?)`,
		userID, name, userstore.HashSecret(secret), strings.Join(scopes, ","), expiresAt)
	if err != nil {
		return nil, "", err
	}
	id, err := res.LastInsertId()
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
SELECT k.id, k.user_id, COALESCE(k.name,''), COALESCE(k.scopes,''), k.expires_at, k.created_at,
       u.id, u.email, u.role, COALESCE(u.display_name,''), u.status, u.created_at, u.updated_at
FROM api_keys k
JOIN users u ON u.id = k.user_id
WHERE k.key_hash = ? LIMIT 1`, userstore.HashSecret(secret))

	var key userstore.APIKey
	var user userstore.User
	var scopes string
	var expires sql.NullTime
	err := row.Scan(&key.ID, &key.UserID, &key.Name, &scopes, &expires, &key.CreatedAt,
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
	if scopes != "" {
		key.Scopes = strings.Split(scopes, ",")
	}
	return &key, &user, nil
}
