// Package api implements the HTTP surface of clima serve: the WAHA
// webhook, health and usage endpoints, with the admin UI mounted on the
// same mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/clima/internal/buildinfo"
	"github.com/nugget/clima/internal/connwatch"
	"github.com/nugget/clima/internal/dispatch"
	"github.com/nugget/clima/internal/usage"
	"github.com/nugget/clima/internal/whatsapp"
)

// maxWebhookBody bounds a webhook request body.
const maxWebhookBody = 1 << 20

// maxUsageDays bounds the ?days= window of /api/usage.
const maxUsageDays = 90

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here usually mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Dispatcher handles one inbound chat message. *dispatch.Dispatcher
// implements it.
type Dispatcher interface {
	HandleInbound(ctx context.Context, in dispatch.Inbound) dispatch.Outcome
}

// UsageSource aggregates the token ledger. *usage.Store implements it.
type UsageSource interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthSource reports the state of external services.
// *connwatch.Monitor implements it.
type HealthSource interface {
	Status() map[string]connwatch.Status
}

// RouteRegistrar adds extra routes to the mux. *web.WebServer implements it.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Config holds the server's address and collaborators. Usage, Admin
// and Health are optional.
type Config struct {
	Address    string
	Port       int
	Dispatcher Dispatcher
	Usage      UsageSource
	Admin      RouteRegistrar
	Health     HealthSource
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	dispatcher Dispatcher
	usage      UsageSource
	admin      RouteRegistrar
	health     HealthSource
	logger     *slog.Logger
	now        func() time.Time
	server     *http.Server
}

// NewServer creates an API server. Call [Server.Start] to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    cfg.Address,
		port:       cfg.Port,
		dispatcher: cfg.Dispatcher,
		usage:      cfg.Usage,
		admin:      cfg.Admin,
		health:     cfg.Health,
		logger:     logger.With("component", "api"),
		now:        time.Now,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.admin != nil {
		s.admin.RegisterRoutes(mux)
	}

	return s.withLogging(mux)
}

// Start listens until the server is shut down. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
		ReadTimeout: 30 * time.Second,
		// A webhook answers only after the agent turn finishes.
		WriteTimeout: 6 * time.Minute,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "clima",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

// handleHealth reports "degraded" while any watched service is down.
// The status code stays 200; the process itself is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}
	if s.health != nil {
		services := s.health.Status()
		for _, st := range services {
			if !st.Up {
				body["status"] = "degraded"
			}
		}
		body["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// handleWebhook receives WAHA events. Only "message" events are
// accepted; the response body is the dispatch outcome.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ev, err := whatsapp.ParseEvent(body)
	if err != nil {
		s.logger.Warn("malformed webhook body, treating as empty message", "error", err)
	}
	if ev.Event != whatsapp.EventMessage {
		s.logger.Debug("ignoring webhook event", "event", ev.Event)
		http.Error(w, "Unknown event "+ev.Event, http.StatusBadRequest)
		return
	}
	if ev.Payload.FromMe {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "ignored"}, s.logger)
		return
	}

	out := s.dispatcher.HandleInbound(r.Context(), dispatch.FromWhatsApp(ev.Payload))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// usageResponse is the body of GET /api/usage.
type usageResponse struct {
	Start    time.Time                 `json:"start"`
	End      time.Time                 `json:"end"`
	Total    *usage.Summary            `json:"total"`
	ByModel  map[string]*usage.Summary `json:"by_model"`
	BySource map[string]*usage.Summary `json:"by_source"`
}

// handleUsage summarizes token usage over the last ?days= days
// (default 1).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not enabled")
		return
	}

	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxUsageDays {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxUsageDays))
			return
		}
		days = n
	}

	end := s.now()
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	bySource, err := s.usage.SummaryBySource(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary by source failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, usageResponse{Start: start, End: end, Total: total, ByModel: byModel, BySource: bySource}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
