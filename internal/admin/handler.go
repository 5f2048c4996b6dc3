package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"lv-tradehook/internal/httputil"
	"lv-tradehook/internal/sessions"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const operatorName = "admin"

// TokenIssuer manages short-lived webhook tokens. *tokens.ShortLived
// implements it.
type TokenIssuer interface {
	Issue(ctx context.Context, ttl time.Duration) (string, time.Time, error)
	Revoke(ctx context.Context, raw string) (bool, error)
}

type PoolStats interface {
	Stats() []sessions.KeyStats
}

type Handler struct {
	signer       *Signer
	passwordHash []byte
	tokens       TokenIssuer
	pool         PoolStats
	log          *zap.Logger
}

func NewHandler(signer *Signer, passwordHash string, tokens TokenIssuer, pool PoolStats, log *zap.Logger) *Handler {
	return &Handler{
		signer:       signer,
		passwordHash: []byte(passwordHash),
		tokens:       tokens,
		pool:         pool,
		log:          log,
	}
}

// Login exchanges the operator password for a JWT.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if len(h.passwordHash) == 0 {
		httputil.WriteError(w, http.StatusServiceUnavailable, "admin login is not configured")
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		h.log.Info("admin login failed", zap.String("ip", r.RemoteAddr))
		httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, exp, err := h.signer.Sign(operatorName)
	if err != nil {
		h.log.Error("sign admin token", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.Format(time.RFC3339),
	})
}

type issueTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// IssueToken creates a short-lived webhook token. The raw value is only
// returned here.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	req := issueTokenRequest{TTLSeconds: 3600}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}
	if req.TTLSeconds <= 0 {
		httputil.WriteError(w, http.StatusUnprocessableEntity, "ttl_seconds must be positive")
		return
	}
	raw, exp, err := h.tokens.Issue(r.Context(), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.log.Error("issue webhook token", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.log.Info("webhook token issued", zap.String("operator", Operator(r)), zap.Time("expires_at", exp))
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"token":      raw,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "token")
	removed, err := h.tokens.Revoke(r.Context(), raw)
	if err != nil {
		h.log.Error("revoke webhook token", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !removed {
		httputil.WriteError(w, http.StatusNotFound, "token not found")
		return
	}
	h.log.Info("webhook token revoked", zap.String("operator", Operator(r)))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Sessions lists idle venue sessions per credential key.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": h.pool.Stats()})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"username": Operator(r),
		"role":     operatorRole,
	})
}
