// Package tokens stores webhook bearer tokens. Short-lived tokens are issued
// by operators and kept in a local sqlite file; long-lived tokens belong to
// users and are read from the identity database.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Hash returns the sha256 hex fingerprint under which a raw token is stored
// and rate counted. Raw tokens are never persisted or logged.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Generate returns 32 random bytes as hex.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Record is a persisted user token.
type Record struct {
	ID               int64
	UserID           int64
	ExpiresAt        *time.Time
	Revoked          bool
	RoleRestrictions []string
}

func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Usage is one authentication attempt against a persisted token.
type Usage struct {
	TokenID   int64
	UserID    int64
	IP        string
	UserAgent string
	Granted   bool
	UsedAt    time.Time
}
