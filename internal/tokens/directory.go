package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory reads user tokens owned by the identity service. Only the columns
// needed for webhook authentication are touched.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

type roleRestrictions struct {
	Roles []string `json:"roles"`
}

// LookupByHash returns nil, nil when no live (non-revoked) token has the hash.
func (d *Directory) LookupByHash(ctx context.Context, hash string) (*Record, error) {
	var (
		rec   Record
		exp   *time.Time
		rawRR []byte
	)
	err := d.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at, revoked, role_restrictions
		FROM api_tokens
		WHERE token_hash = $1 AND revoked = FALSE
	`, hash).Scan(&rec.ID, &rec.UserID, &exp, &rec.Revoked, &rawRR)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api token: %w", err)
	}
	rec.ExpiresAt = exp
	if len(rawRR) > 0 {
		var rr roleRestrictions
		if err := json.Unmarshal(rawRR, &rr); err != nil {
			return nil, fmt.Errorf("decode role_restrictions for token %d: %w", rec.ID, err)
		}
		rec.RoleRestrictions = rr.Roles
	}
	return &rec, nil
}

// UserHasAnyRole reports whether the user holds at least one of roles through
// an active assignment.
func (d *Directory) UserHasAnyRole(ctx context.Context, userID int64, roles []string) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND ur.is_active = TRUE AND r.name = ANY($2)
		)
	`, userID, roles).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check roles for user %d: %w", userID, err)
	}
	return ok, nil
}

// RecordUsage stamps last_used_at and appends a usage row in one transaction.
func (d *Directory) RecordUsage(ctx context.Context, u Usage) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE api_tokens SET last_used_at = $2 WHERE id = $1`, u.TokenID, u.UsedAt); err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_usage_log (token_id, user_id, ip_address, user_agent, granted, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.TokenID, u.UserID, u.IP, u.UserAgent, u.Granted, u.UsedAt); err != nil {
		return fmt.Errorf("insert token usage: %w", err)
	}
	return tx.Commit(ctx)
}
