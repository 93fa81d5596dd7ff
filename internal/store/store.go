// Package store provides sqlite-backed persistence for the mcpfleet console:
// users, login sessions, API keys, and the MCP server directory. It is the
// concrete implementation of the console package's collaborator interfaces.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)

	"github.com/mcpfleet/mcpfleet/internal/console"
)

// Store wraps the database with the console collaborator methods.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		username        TEXT NOT NULL UNIQUE,
		password_hash   TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		name       TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		revoked_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		owner_id        TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		container_id    TEXT,
		log_path        TEXT,
		status          TEXT NOT NULL DEFAULT 'stopped',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_mcp_servers_owner ON mcp_servers(owner_id);
	CREATE INDEX IF NOT EXISTS idx_mcp_servers_org ON mcp_servers(organization_id);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateUser inserts a user with a bcrypt-hashed password and returns its id.
func (s *Store) CreateUser(ctx context.Context, username, password, organizationID string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, organization_id)
		VALUES (?, ?, ?, ?)
	`, id, username, string(hash), organizationID)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// UserForLogin implements console.UserStore.
func (s *Store) UserForLogin(ctx context.Context, username string) (console.LoginUser, error) {
	var user console.LoginUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE username = ?
	`, username).Scan(&user.ID, &user.PasswordHash)
	if err == sql.ErrNoRows {
		return console.LoginUser{}, console.ErrNotFound
	}
	if err != nil {
		return console.LoginUser{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// ResolveUser implements console.IdentityResolver.
func (s *Store) ResolveUser(ctx context.Context, userID string) (console.UserRecord, error) {
	var record console.UserRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id FROM users WHERE id = ?
	`, userID).Scan(&record.OrganizationID)
	if err == sql.ErrNoRows {
		return console.UserRecord{}, console.ErrNotFound
	}
	if err != nil {
		return console.UserRecord{}, fmt.Errorf("query user: %w", err)
	}
	return record, nil
}

// CreateSession implements console.SessionStore.
func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, id, userID, now, now.Add(ttl))
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// UserFromSession implements console.IdentityResolver. Expired sessions are
// treated as missing; lookups always hit the database so revocation takes
// effect immediately.
func (s *Store) UserFromSession(ctx context.Context, sessionID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM sessions WHERE id = ? AND expires_at > ?
	`, sessionID, time.Now().UTC()).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", console.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	return userID, nil
}

// DeleteSession implements console.SessionStore. Deleting a missing session
// is not an error.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions past their expiry and returns how
// many were deleted.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// apiKeyPrefix marks keys minted by this store so misdirected secrets are
// recognizable in logs and support requests.
const apiKeyPrefix = "mcpf_"

// CreateAPIKey mints an API key for a user and returns the raw key together
// with the key's id. Only the SHA-256 of the key is stored; the id is what
// RevokeAPIKey takes.
func (s *Store) CreateAPIKey(ctx context.Context, userID, name string) (key, id string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	key = apiKeyPrefix + hex.EncodeToString(raw)
	id = uuid.NewString()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, name)
		VALUES (?, ?, ?, ?)
	`, id, userID, hashAPIKey(key), name)
	if err != nil {
		return "", "", fmt.Errorf("insert api key: %w", err)
	}
	return key, id, nil
}

// UserFromAPIKey implements console.IdentityResolver. Revoked keys resolve to
// nothing.
func (s *Store) UserFromAPIKey(ctx context.Context, key string) (string, error) {
	wanted := hashAPIKey(key)

	var userID, keyHash string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, key_hash FROM api_keys
		WHERE key_hash = ? AND revoked_at IS NULL
	`, wanted).Scan(&userID, &keyHash)
	if err == sql.ErrNoRows {
		return "", console.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query api key: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(wanted), []byte(keyHash)) != 1 {
		return "", console.ErrNotFound
	}
	return userID, nil
}

// RevokeAPIKey marks a key unusable without deleting its audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return console.ErrNotFound
	}
	return nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
