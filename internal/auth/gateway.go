// Package auth decides whether a webhook delivery may be executed.
//
// A delivery carrying X-Signature is authenticated by HMAC over the raw body
// and is never evaluated as a token request, even when the body also carries
// a token. Deliveries without a signature fall back to bearer token + nonce.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"lv-tradehook/internal/replay"
	"lv-tradehook/internal/tokens"
	"lv-tradehook/internal/types"

	"go.uber.org/zap"
)

type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidAPIKey     Reason = "invalid_api_key"
	ReasonMissingHeaders    Reason = "missing_headers"
	ReasonMalformedTS       Reason = "malformed_timestamp"
	ReasonStaleTimestamp    Reason = "stale_timestamp"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonReplayedSignature Reason = "replayed_signature"
	ReasonMissingToken      Reason = "missing_token"
	ReasonInvalidToken      Reason = "invalid_token"
	ReasonExpiredToken      Reason = "expired_token"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonRoleDenied        Reason = "role_denied"
	ReasonReplayedNonce     Reason = "replayed_nonce"
	ReasonUnavailable       Reason = "unavailable"
)

type Decision struct {
	Accepted bool
	Mode     types.AuthMode
	Reason   Reason
}

// Request is the transport-independent view of one delivery.
type Request struct {
	Body             []byte
	SignaturePresent bool
	Signature        string
	Timestamp        string
	APIKey           string
	Token            string
	Nonce            string
	IP               string
	UserAgent        string
}

type ShortLivedTokens interface {
	Valid(ctx context.Context, raw string) (bool, error)
}

type TokenDirectory interface {
	LookupByHash(ctx context.Context, hash string) (*tokens.Record, error)
	UserHasAnyRole(ctx context.Context, userID int64, roles []string) (bool, error)
	RecordUsage(ctx context.Context, u tokens.Usage) error
}

type Config struct {
	Secret        string
	MaxDrift      time.Duration
	RequireAPIKey bool
	StaticAPIKey  string
}

type Gateway struct {
	cfg        Config
	signatures replay.ClaimStore
	nonces     replay.ClaimStore
	rates      replay.RateCounter
	short      ShortLivedTokens
	directory  TokenDirectory
	log        *zap.Logger
	now        func() time.Time
}

type Stores struct {
	Signatures replay.ClaimStore
	Nonces     replay.ClaimStore
	Rates      replay.RateCounter
	ShortLived ShortLivedTokens
	// Directory is optional; without it only short-lived tokens authenticate.
	Directory TokenDirectory
}

func NewGateway(cfg Config, st Stores, log *zap.Logger) *Gateway {
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = 300 * time.Second
	}
	return &Gateway{
		cfg:        cfg,
		signatures: st.Signatures,
		nonces:     st.Nonces,
		rates:      st.Rates,
		short:      st.ShortLived,
		directory:  st.Directory,
		log:        log,
		now:        time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, as expected in the
// X-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckAPIKey reports whether the X-API-Key value is acceptable. It always
// passes when no static key is required.
func (g *Gateway) CheckAPIKey(key string) bool {
	return !g.cfg.RequireAPIKey || constantTimeEqual(key, g.cfg.StaticAPIKey)
}

func (g *Gateway) Authenticate(ctx context.Context, req Request) Decision {
	if !g.CheckAPIKey(req.APIKey) {
		return Decision{Reason: ReasonInvalidAPIKey}
	}
	if req.SignaturePresent {
		return g.verifySignature(ctx, req)
	}
	return g.verifyToken(ctx, req)
}

func (g *Gateway) verifySignature(ctx context.Context, req Request) Decision {
	reject := func(r Reason) Decision {
		return Decision{Mode: types.AuthModeSignature, Reason: r}
	}
	if req.Signature == "" || req.Timestamp == "" {
		return reject(ReasonMissingHeaders)
	}
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return reject(ReasonMalformedTS)
	}
	now, window := g.now().Unix(), int64(g.cfg.MaxDrift/time.Second)
	if ts < now-window || ts > now+window {
		return reject(ReasonStaleTimestamp)
	}
	expected := Sign(g.cfg.Secret, req.Body)
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return reject(ReasonSignatureMismatch)
	}
	fresh, err := g.signatures.Claim(ctx, req.Signature)
	if err != nil {
		g.log.Error("signature store unavailable", zap.Error(err))
		return reject(ReasonUnavailable)
	}
	if !fresh {
		return reject(ReasonReplayedSignature)
	}
	return Decision{Accepted: true, Mode: types.AuthModeSignature}
}

func (g *Gateway) verifyToken(ctx context.Context, req Request) Decision {
	reject := func(r Reason) Decision {
		return Decision{Mode: types.AuthModeToken, Reason: r}
	}
	if req.Token == "" || req.Nonce == "" {
		return reject(ReasonMissingToken)
	}
	fingerprint := tokens.Hash(req.Token)

	if g.short != nil {
		ok, err := g.short.Valid(ctx, req.Token)
		if err != nil {
			g.log.Error("short-lived token store unavailable", zap.Error(err))
			return reject(ReasonUnavailable)
		}
		if ok {
			if r := g.limitAndClaim(ctx, fingerprint, req.Nonce); r != ReasonNone {
				return reject(r)
			}
			return Decision{Accepted: true, Mode: types.AuthModeToken}
		}
	}

	if g.directory == nil {
		return reject(ReasonInvalidToken)
	}
	rec, err := g.directory.LookupByHash(ctx, fingerprint)
	if err != nil {
		g.log.Error("token directory unavailable", zap.Error(err))
		return reject(ReasonUnavailable)
	}
	if rec == nil {
		return reject(ReasonInvalidToken)
	}

	reason := g.checkPersisted(ctx, rec, fingerprint, req.Nonce)
	g.recordUsage(ctx, rec, req, reason == ReasonNone)
	if reason != ReasonNone {
		return reject(reason)
	}
	return Decision{Accepted: true, Mode: types.AuthModeToken}
}

// checkPersisted runs the persisted token checks. The nonce is claimed last so
// a rejected delivery does not burn it.
func (g *Gateway) checkPersisted(ctx context.Context, rec *tokens.Record, fingerprint, nonce string) Reason {
	if rec.Expired(g.now()) {
		return ReasonExpiredToken
	}
	allowed, err := g.rates.Allow(ctx, fingerprint)
	if err != nil {
		g.log.Error("token rate store unavailable", zap.Error(err))
		return ReasonUnavailable
	}
	if !allowed {
		return ReasonRateLimited
	}
	if len(rec.RoleRestrictions) > 0 {
		ok, err := g.directory.UserHasAnyRole(ctx, rec.UserID, rec.RoleRestrictions)
		if err != nil {
			g.log.Error("role lookup failed", zap.Int64("token_id", rec.ID), zap.Error(err))
			return ReasonUnavailable
		}
		if !ok {
			return ReasonRoleDenied
		}
	}
	fresh, err := g.nonces.Claim(ctx, nonce)
	if err != nil {
		g.log.Error("nonce store unavailable", zap.Error(err))
		return ReasonUnavailable
	}
	if !fresh {
		return ReasonReplayedNonce
	}
	return ReasonNone
}

func (g *Gateway) limitAndClaim(ctx context.Context, fingerprint, nonce string) Reason {
	allowed, err := g.rates.Allow(ctx, fingerprint)
	if err != nil {
		g.log.Error("token rate store unavailable", zap.Error(err))
		return ReasonUnavailable
	}
	if !allowed {
		return ReasonRateLimited
	}
	fresh, err := g.nonces.Claim(ctx, nonce)
	if err != nil {
		g.log.Error("nonce store unavailable", zap.Error(err))
		return ReasonUnavailable
	}
	if !fresh {
		return ReasonReplayedNonce
	}
	return ReasonNone
}

// recordUsage is an audit trail only; failures are logged and do not change
// the decision.
func (g *Gateway) recordUsage(ctx context.Context, rec *tokens.Record, req Request, granted bool) {
	err := g.directory.RecordUsage(ctx, tokens.Usage{
		TokenID:   rec.ID,
		UserID:    rec.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Granted:   granted,
		UsedAt:    g.now().UTC(),
	})
	if err != nil {
		g.log.Error("record token usage", zap.Int64("token_id", rec.ID), zap.Error(err))
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
