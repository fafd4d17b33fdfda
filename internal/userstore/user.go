package userstore

import (
	"context"
	"time"
)

// Role represents a high level capability within the relay.
type Role string

const (
	RoleRootAdmin Role = "root_admin"
	RoleRelayUser Role = "relay_user"
)

// Status captures whether a user is active or suspended.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User represents an identity managed by the relay.
type User struct {
	ID          int64
	Email       string
	Role        Role
	DisplayName string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKey is a bearer credential bound to a user. The raw secret is handed
// out once at creation; only its hash is stored.
type APIKey struct {
	ID        int64
	UserID    int64
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Store persists relay users and API keys across SQLite/Postgres backends.
type Store interface {
	EnsureRootAdmin(ctx context.Context, email string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// CreateAPIKey mints a key for the user and returns the raw secret.
	CreateAPIKey(ctx context.Context, userID int64, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error)
	// LookupAPIKey resolves a raw secret to its key and owning user.
	// Unknown or expired secrets return nil, nil, nil.
	LookupAPIKey(ctx context.Context, secret string) (*APIKey, *User, error)
	Close() error
}
