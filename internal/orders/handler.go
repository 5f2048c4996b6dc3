package orders

import (
	"context"
	"errors"
	"net"
	"net/http"

	"lv-tradehook/internal/auth"
	"lv-tradehook/internal/events"
	"lv-tradehook/internal/httputil"
	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/model"
	"lv-tradehook/internal/types"
	"lv-tradehook/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Authenticator interface {
	CheckAPIKey(key string) bool
	Authenticate(ctx context.Context, req auth.Request) auth.Decision
}

type Handler struct {
	svc     *Service
	gateway Authenticator
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHandler(svc *Service, gateway Authenticator, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, gateway: gateway, log: log, metrics: m}
}

// Webhook accepts one trade instruction: validate, authenticate, dispatch.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	h.svc.track(requestID, types.StateReceived, "", nil)

	// the static key gates the endpoint before the body is looked at
	if !h.gateway.CheckAPIKey(r.Header.Get("X-API-Key")) {
		h.reject(w, requestID, auth.Decision{Reason: auth.ReasonInvalidAPIKey})
		return
	}
	body, err := httputil.ReadBody(r)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.fail(w, requestID, "too_large", http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		h.fail(w, requestID, "bad_body", http.StatusBadRequest, "could not read body")
		return
	}
	req, err := model.DecodeOrderRequest(body)
	if err != nil {
		h.fail(w, requestID, "invalid", http.StatusUnprocessableEntity, err.Error())
		return
	}

	_, sigPresent := r.Header[http.CanonicalHeaderKey("X-Signature")]
	decision := h.gateway.Authenticate(r.Context(), auth.Request{
		Body:             body,
		SignaturePresent: sigPresent,
		Signature:        r.Header.Get("X-Signature"),
		Timestamp:        r.Header.Get("X-Timestamp"),
		APIKey:           r.Header.Get("X-API-Key"),
		Token:            req.Token,
		Nonce:            req.Nonce,
		IP:               clientIP(r),
		UserAgent:        r.UserAgent(),
	})
	if !decision.Accepted {
		h.reject(w, requestID, decision)
		return
	}
	h.svc.track(requestID, types.StateAuthenticated, decision.Mode, &req)

	resp, err := h.svc.Handle(r.Context(), requestID, req)
	if err != nil {
		status, detail, outcome := classify(err)
		if status == http.StatusInternalServerError {
			h.log.Error("webhook dispatch failed",
				zap.String("request_id", requestID),
				zap.String("venue", req.VenueID()),
				zap.String("symbol", req.Symbol),
				zap.Error(err),
			)
		}
		h.fail(w, requestID, outcome, status, detail)
		return
	}
	h.metrics.Webhook(resp.Status)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) reject(w http.ResponseWriter, requestID string, d auth.Decision) {
	h.metrics.AuthRejected(string(d.Mode), string(d.Reason))
	h.log.Info("webhook rejected",
		zap.String("request_id", requestID),
		zap.String("mode", string(d.Mode)),
		zap.String("reason", string(d.Reason)),
	)
	switch {
	case d.Reason == auth.ReasonInvalidAPIKey:
		h.fail(w, requestID, "unauthorized", http.StatusUnauthorized, "Invalid API key")
	case d.Mode == types.AuthModeSignature:
		h.fail(w, requestID, "forbidden", http.StatusForbidden, "Invalid signature")
	default:
		h.fail(w, requestID, "forbidden", http.StatusForbidden, "Unauthorized")
	}
}

func (h *Handler) fail(w http.ResponseWriter, requestID, outcome string, status int, detail string) {
	h.metrics.Webhook(outcome)
	h.svc.bus.PublishExecution(events.Execution{RequestID: requestID, State: types.StateFailed, Error: detail})
	httputil.WriteError(w, status, detail)
}

// classify maps dispatch errors to status, client-facing detail and a metric
// outcome label.
func classify(err error) (int, string, string) {
	var ve *venue.Error
	switch {
	case errors.Is(err, venue.ErrUnsupportedVenue):
		return http.StatusBadRequest, err.Error(), "unsupported_venue"
	case errors.Is(err, venue.ErrMissingCredentials):
		return http.StatusUnauthorized, "API key and secret required", "missing_credentials"
	case errors.As(err, &ve) && ve.Kind == venue.KindBusiness:
		return http.StatusBadRequest, "Exchange error: " + ve.Error(), "exchange_error"
	case errors.As(err, &ve) && ve.Kind == venue.KindNetwork:
		return http.StatusBadGateway, "Network error: " + ve.Error(), "network_error"
	default:
		return http.StatusInternalServerError, "Internal server error", "internal_error"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
