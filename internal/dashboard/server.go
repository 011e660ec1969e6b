package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"helmsman/internal/bus"
	"helmsman/internal/config"
	"helmsman/internal/limits"
	"helmsman/internal/logging"
	"helmsman/internal/memory"
	"helmsman/internal/usage"
)

// Server exposes the dashboard REST and SSE API.
type Server struct {
	cfg    config.DashboardConfig
	reg    *Registry
	mem    *memory.Store
	usage  *usage.Tracker
	limits *limits.Tracker
	hub    *eventHub
	logDir string

	http *http.Server
}

// NewServer builds the API surface. usage and limits trackers may be nil;
// their endpoints then report empty sections.
func NewServer(cfg config.DashboardConfig, reg *Registry, mem *memory.Store, ut *usage.Tracker, lt *limits.Tracker) *Server {
	return &Server{
		cfg:    cfg,
		reg:    reg,
		mem:    mem,
		usage:  ut,
		limits: lt,
		hub:    newEventHub(),
	}
}

// Attach subscribes both the session registry and the SSE hub to the bus.
func (s *Server) Attach(b *bus.Bus) {
	s.reg.Attach(b)
	s.hub.attach(b)
}

// ServeLogs points the log endpoint at the session log directory. Without
// it, the endpoint falls back to streaming bus events for the session.
func (s *Server) ServeLogs(dir string) {
	s.logDir = dir
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Dashboard("Dashboard listening on http://%s", s.cfg.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Dashboard("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler builds the chi router. Split out for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions/summary", s.handleSummary)
		r.Get("/sessions/{id}", s.handleSession)
		r.Post("/sessions/{id}/{action}", s.handleControl)
		r.Get("/usage/limits", s.handleUsageLimits)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleEvents)
		r.Get("/logs/{sessionID}", s.handleLogs)
	})
	return r
}

// ============================================================================
// REST HANDLERS
// ============================================================================

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":     s.reg.Summary(),
		"generated_at": time.Now().UTC(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "no such session", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"hot":     s.reg.HotSamples(id),
	})
}

// handleControl applies one of pause, resume, skip-task, or end, taken from
// the URL path.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	switch err := s.reg.Control(id, action); {
	case err == nil:
		sess, _ := s.reg.Get(id)
		writeJSON(w, http.StatusOK, map[string]any{"session": sess})
	case errors.Is(err, ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session_not_found", "no such session", id)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error(), map[string]string{
			"session_id": id, "action": action,
		})
	default:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
}

func (s *Server) handleUsageLimits(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.usage != nil {
		if budget, err := s.usage.BudgetStatus(r.Context()); err == nil {
			out["budget"] = budget
		}
	}
	if s.limits != nil {
		out["limits"] = s.limits.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetrics serves tiered metrics: ?tier=raw|hourly|daily, optional
// session, a relative range (30m, 6h, 7d), and RFC 3339 since/until bounds.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := q.Get("tier")
	if tier == "" {
		tier = "raw"
	}
	sessionID := q.Get("session")

	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "until must be RFC 3339", v)
			return
		}
		until = t
		since = until.Add(-24 * time.Hour)
	}
	if v := q.Get("range"); v != "" {
		d, err := parseRange(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), v)
			return
		}
		since = until.Add(-d)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC 3339", v)
			return
		}
		since = t
	}

	switch tier {
	case "raw":
		samples, err := s.mem.QueryMetricSamples(r.Context(), sessionID, since, until)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "samples": samples})
	case "hourly", "daily":
		buckets, err := s.mem.QueryMetricBuckets(r.Context(), tier, sessionID, since, until)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "buckets": buckets})
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "tier must be raw, hourly, or daily", tier)
	}
}

// ============================================================================
// SSE HANDLERS
// ============================================================================

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.serveStream(w, r, "", s.cfg.RetryMillis, s.cfg.HeartbeatEvery)
}

// handleLogs tails the session's narrative log file over SSE. Without a
// configured log directory it degrades to the filtered event stream.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if s.logDir == "" {
		s.hub.serveStream(w, r, sessionID, s.cfg.RetryMillis, s.cfg.HeartbeatEvery)
		return
	}
	serveLogTail(w, r, s.logDir, s.cfg.RetryMillis, s.cfg.HeartbeatEvery)
}

// parseRange parses a relative metrics range: a Go duration, or a whole
// number of days with a "d" suffix.
func parseRange(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("range must be a duration like 30m, 6h, or 7d")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("range must be a duration like 30m, 6h, or 7d")
	}
	return d, nil
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Dashboard("Response encode failed: %v", err)
	}
}

// writeError emits the API's uniform error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
