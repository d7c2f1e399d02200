package token

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vlt-dev/vlt/internal/vaulterr"
)

// Store persists issuance records and the revocation set in SQLite.
// The revocation set is mirrored in memory for constant-time checks on
// the validate path; the table is the durable source of truth.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	revoked map[string]time.Time // tokenID -> expiry, for compaction
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	token_id     TEXT PRIMARY KEY,
	principal    TEXT NOT NULL,
	scope_digest TEXT NOT NULL,
	issued_at    INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	revoked      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);
`

// OpenStore opens (creating if needed) the token database at path and
// loads unexpired revocations into memory. Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent issuance.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize token db schema: %w", err)
	}
	s := &Store{db: db, revoked: make(map[string]time.Time)}
	if err := s.loadRevocations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRevocations() error {
	rows, err := s.db.Query(`SELECT token_id, expires_at FROM tokens WHERE revoked = 1`)
	if err != nil {
		return fmt.Errorf("load revocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var exp int64
		if err := rows.Scan(&id, &exp); err != nil {
			return fmt.Errorf("scan revocation: %w", err)
		}
		s.revoked[id] = time.Unix(exp, 0)
	}
	return rows.Err()
}

// ScopeDigest is the digest recorded instead of the full scope, enough
// to correlate a token record with its claims without storing key
// lists in the clear.
func ScopeDigest(scope Scope) string {
	raw, _ := json.Marshal(scope)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Record stores an issuance record.
func (s *Store) Record(ctx context.Context, c Claims) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, principal, scope_digest, issued_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
	`, c.TokenID, c.Subject, ScopeDigest(c.Scope), c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return vaulterr.NewIOError("record token issuance", err)
	}
	return nil
}

// Revoke marks a token revoked. Unknown ids return NotFound.
func (s *Store) Revoke(ctx context.Context, tokenID string) error {
	var exp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM tokens WHERE token_id = ?`, tokenID).Scan(&exp)
	if err == sql.ErrNoRows {
		return vaulterr.NewNotFoundError("token", tokenID)
	}
	if err != nil {
		return vaulterr.NewIOError("lookup token", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE token_id = ?`, tokenID); err != nil {
		return vaulterr.NewIOError("revoke token", err)
	}
	s.mu.Lock()
	s.revoked[tokenID] = time.Unix(exp, 0)
	s.mu.Unlock()
	return nil
}

// IsRevoked checks the in-memory revocation set.
func (s *Store) IsRevoked(tokenID string) bool {
	s.mu.RLock()
	_, ok := s.revoked[tokenID]
	s.mu.RUnlock()
	return ok
}

// Compact drops expired rows and prunes the in-memory revocation set.
// A revoked token past its expiry no longer needs tracking; the expiry
// check alone rejects it.
func (s *Store) Compact(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at < ?`, now.Unix()); err != nil {
		return vaulterr.NewIOError("compact token db", err)
	}
	s.mu.Lock()
	for id, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
