// Package api implements the agent's HTTP API: the conversation
// endpoint the home-automation host calls, plus model, health, session
// and usage introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/buildinfo"
	"github.com/ej52/hass-ollama-conversation/internal/conversation"
	"github.com/ej52/hass-ollama-conversation/internal/events"
	"github.com/ej52/hass-ollama-conversation/internal/heartbeat"
	"github.com/ej52/hass-ollama-conversation/internal/ollama"
	"github.com/ej52/hass-ollama-conversation/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ModelLister lists the models installed on the inference server.
// *ollama.Client satisfies it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ollama.Model, error)
}

// HealthSource reports the inference server's last heartbeat.
// *heartbeat.Watcher satisfies it.
type HealthSource interface {
	Status() heartbeat.Status
}

// UsageSource summarizes recorded turns. *usage.Store satisfies it.
type UsageSource interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Backend is the part of the server that is rebuilt on config reload.
type Backend struct {
	Agent  *conversation.Agent
	Models ModelLister
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	backend atomic.Pointer[Backend]
	health  HealthSource
	usage   UsageSource
	events  *events.Bus
	logger  *slog.Logger
	clock   func() time.Time

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a new API server.
func NewServer(address string, port int, b *Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		logger:  logger,
		clock:   time.Now,
	}
	s.backend.Store(b)
	return s
}

// SetBackend swaps in a rebuilt backend. Requests already in flight
// finish on the backend they started with.
func (s *Server) SetBackend(b *Backend) {
	s.backend.Store(b)
}

// SetHealth configures the heartbeat source for /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// SetUsage configures the usage ledger for /v1/usage.
func (s *Server) SetUsage(u UsageSource) {
	s.usage = u
}

// SetEvents configures the event bus for /v1/events.
func (s *Server) SetEvents(b *events.Bus) {
	s.events = b
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation endpoint called by the host
	mux.HandleFunc("POST /api/conversation/process", s.handleProcess)
	mux.HandleFunc("GET /api/models", s.handleModels)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Introspection
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves HTTP requests until Shutdown is called. It returns
// immediately if Shutdown already ran.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // a turn may wait out a long model timeout
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "ollama-conversation",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// healthResponse is the body of GET /health. Status is "degraded" when
// the last heartbeat failed; the agent still answers with failure
// speech in that state.
type healthResponse struct {
	Status string            `json:"status"`
	Ollama *heartbeat.Status `json:"ollama,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.health != nil {
		st := s.health.Status()
		resp.Ollama = &st
		if st.Known && !st.Reachable {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// modelResponse is one entry of GET /api/models.
type modelResponse struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
	Family     string    `json:"family,omitempty"`
	Parameters string    `json:"parameter_size,omitempty"`
	Current    bool      `json:"current"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	b := s.backend.Load()
	if b == nil || b.Models == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "model listing not available")
		return
	}

	models, err := b.Models.ListModels(r.Context())
	if err != nil {
		s.logger.Warn("list models failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "could not list models: "+ollama.KindOf(err).String())
		return
	}

	current := ""
	if b.Agent != nil {
		current = b.Agent.Model()
	}
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
			Family:     m.Details.Family,
			Parameters: m.Details.ParameterSize,
			Current:    m.Name == current,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"models": out}, s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	b := s.backend.Load()
	if b == nil || b.Agent == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent not ready")
		return
	}
	st := b.Agent.Sessions()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    st.Len(),
		"capacity": st.Capacity(),
		"mode":     string(st.Mode()),
		"ttl":      st.TTL().String(),
	}, s.logger)
}

// usageSummary is the JSON form of usage.Summary.
type usageSummary struct {
	Turns        int   `json:"turns"`
	Failures     int   `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	AvgLatencyMS int64 `json:"avg_latency_ms"`
}

func toUsageSummary(s *usage.Summary) usageSummary {
	if s == nil {
		return usageSummary{}
	}
	return usageSummary{
		Turns:        s.Turns,
		Failures:     s.Failures,
		InputTokens:  s.TotalInputTokens,
		OutputTokens: s.TotalOutputTokens,
		AvgLatencyMS: s.AvgLatency.Milliseconds(),
	}
}

// handleUsage summarizes turns over the last `hours` hours, or since
// local midnight when hours is absent.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger not enabled")
		return
	}

	end := s.clock()
	start := usage.StartOfDay(end)
	if h := parseIntParam(r, "hours", 0); h > 0 {
		start = end.Add(-time.Duration(h) * time.Hour)
	}

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byOutcome, err := s.usage.SummaryByOutcome(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	outcomes := make(map[string]usageSummary, len(byOutcome))
	for k, v := range byOutcome {
		outcomes[k] = toUsageSummary(v)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":      start.Format(time.RFC3339),
		"end":        end.Format(time.RFC3339),
		"total":      toUsageSummary(total),
		"by_outcome": outcomes,
	}, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	recent := s.events.Recent(limit)
	if recent == nil {
		recent = []events.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"events": recent}, s.logger)
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

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
