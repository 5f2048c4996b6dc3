package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ShortLived keeps operator-issued tokens in sqlite, keyed by hash.
type ShortLived struct {
	db  *sql.DB
	now func() time.Time
}

func OpenShortLived(path string) (*ShortLived, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	// single writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS short_tokens (
			token_hash TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init token db: %w", err)
		}
	}
	return &ShortLived{db: db, now: time.Now}, nil
}

// Issue creates a token valid for ttl and returns the raw value. The raw value
// is only available here.
func (s *ShortLived) Issue(ctx context.Context, ttl time.Duration) (string, time.Time, error) {
	raw, err := Generate()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	exp := now.Add(ttl)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO short_tokens (token_hash, expires_at, created_at) VALUES (?, ?, ?)",
		Hash(raw), exp.Unix(), now.Unix(),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	return raw, exp, nil
}

// Revoke deletes the token. It reports whether a row was removed.
func (s *ShortLived) Revoke(ctx context.Context, raw string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM short_tokens WHERE token_hash = ?", Hash(raw))
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Valid reports whether raw is a live token. Expired rows are deleted on read.
func (s *ShortLived) Valid(ctx context.Context, raw string) (bool, error) {
	h := Hash(raw)
	var exp int64
	err := s.db.QueryRowContext(ctx, "SELECT expires_at FROM short_tokens WHERE token_hash = ?", h).Scan(&exp)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}
	if s.now().Unix() >= exp {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM short_tokens WHERE token_hash = ?", h); err != nil {
			return false, fmt.Errorf("drop expired token: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Purge removes every expired token and returns how many were removed.
func (s *ShortLived) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM short_tokens WHERE expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *ShortLived) Close() error {
	return s.db.Close()
}

func (s *ShortLived) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
