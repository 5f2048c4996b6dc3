package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"lv-tradehook/internal/httputil"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	startedAt time.Time
	checks    map[string]Check
	timeout   time.Duration
}

func NewHandler(startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{startedAt: start, checks: map[string]Check{}, timeout: time.Second}
}

// Register adds a readiness dependency. Call before serving.
func (h *Handler) Register(name string, c Check) {
	h.checks[name] = c
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type dependencyStat struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type readinessResponse struct {
	liveResponse
	Dependencies []dependencyStat `json:"dependencies"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) live(now time.Time, status string) liveResponse {
	uptime := h.uptime(now)
	return liveResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	}
}

// Root is the banner endpoint webhook senders use as a connectivity probe.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "running",
		"message": "Webhook server ready",
	})
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.live(time.Now().UTC(), "ok"))
}

// Ready runs every registered check and returns 503 when any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make([]dependencyStat, 0, len(names))
	status, httpStatus := "ok", http.StatusOK
	for _, name := range names {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.checks[name](ctx)
		cancel()
		d := dependencyStat{Name: name, Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
		if err != nil {
			d.Error = err.Error()
			status, httpStatus = "degraded", http.StatusServiceUnavailable
		}
		deps = append(deps, d)
	}
	httputil.WriteJSON(w, httpStatus, readinessResponse{
		liveResponse: h.live(time.Now().UTC(), status),
		Dependencies: deps,
	})
}
