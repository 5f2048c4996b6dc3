package httpserver

import (
	"net/http"

	"lv-tradehook/internal/admin"
	"lv-tradehook/internal/health"
	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type RouterDeps struct {
	OrderHandler  *orders.Handler
	HealthHandler *health.Handler
	// AdminHandler, Signer and EventsWS are optional; the admin surface is
	// mounted only when all are set.
	AdminHandler *admin.Handler
	Signer       *admin.Signer
	EventsWS     http.Handler
	IPLimiter    *IPLimiter
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	RequireHTTPS bool
	CORSOrigins  []string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(Instrument(d.Logger, d.Metrics))
	r.Use(SecurityHeaders)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Signature", "X-Timestamp", "X-API-Key"},
			AllowCredentials: true,
		}).Handler)
	}

	r.Get("/", d.HealthHandler.Root)
	r.Get("/health", d.HealthHandler.Live)
	r.Get("/ready", d.HealthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if d.RequireHTTPS {
			r.Use(RequireHTTPS)
		}
		r.With(limit(d.IPLimiter)).Post("/webhook", d.OrderHandler.Webhook)

		if d.AdminHandler == nil || d.Signer == nil {
			return
		}
		r.Route("/v1/admin", func(r chi.Router) {
			r.With(limit(d.IPLimiter)).Post("/login", d.AdminHandler.Login)
			if d.EventsWS != nil {
				// token travels in the query string
				r.Get("/ws/executions", d.EventsWS.ServeHTTP)
			}
			r.Group(func(r chi.Router) {
				r.Use(d.Signer.Middleware)
				r.Get("/me", d.AdminHandler.Me)
				r.Post("/tokens", d.AdminHandler.IssueToken)
				r.Delete("/tokens/{token}", d.AdminHandler.RevokeToken)
				r.Get("/sessions", d.AdminHandler.Sessions)
			})
		})
	})
	return r
}

func limit(l *IPLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}
