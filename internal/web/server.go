// Package web serves the local HTTP surface of a running Parley: the
// WebSocket bridge the UI attaches to, plus small JSON endpoints for
// health, tools and stored transcripts.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/transcript"
)

// TranscriptReader is the read side of the transcript store.
type TranscriptReader interface {
	Exchange(id string) ([]llm.Message, error)
	Recent(limit int) ([]transcript.Summary, error)
}

// HealthReporter reports MCP server health for /health.
type HealthReporter interface {
	Status() []connwatch.Status
}

// writeJSON encodes v as JSON to w, logging failures at debug level;
// they usually mean the client went away.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the local HTTP server.
type Server struct {
	address    string
	port       int
	bridge     *Bridge
	registry   *tools.Registry
	transcript TranscriptReader
	health     HealthReporter
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a server for the listen config.
func NewServer(listen config.ListenConfig, bridge *Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: listen.Address,
		port:    listen.Port,
		bridge:  bridge,
		logger:  logger,
	}
}

// SetHealth includes MCP server status in /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetRegistry exposes the registry at /v1/tools.
func (s *Server) SetRegistry(r *tools.Registry) {
	s.registry = r
}

// SetTranscript exposes stored exchanges at /v1/exchanges.
func (s *Server) SetTranscript(t TranscriptReader) {
	s.transcript = t
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.bridge != nil {
		mux.Handle("GET /ws", s.bridge)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/exchanges", s.handleExchangeList)
	mux.HandleFunc("GET /v1/exchanges/{id}", s.handleExchangeGet)
	mux.HandleFunc("GET /v1/exchanges/{id}/html", s.handleExchangeHTML)
	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting bridge server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.bridge != nil {
		clients = s.bridge.Clients()
	}
	body := map[string]any{"status": "healthy", "clients": clients}
	if s.health != nil {
		servers := s.health.Status()
		for _, st := range servers {
			if !st.Ready {
				body["status"] = "degraded"
				break
			}
		}
		body["mcp_servers"] = servers
	}
	writeJSON(w, http.StatusOK, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	list := []map[string]any{}
	if s.registry != nil {
		list = s.registry.List()
	}
	writeJSON(w, http.StatusOK, list, s.logger)
}

func (s *Server) handleExchangeList(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcript not configured"}, s.logger)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.transcript.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	if list == nil {
		list = []transcript.Summary{}
	}
	writeJSON(w, http.StatusOK, list, s.logger)
}

func (s *Server) exchange(w http.ResponseWriter, r *http.Request) ([]llm.Message, bool) {
	if s.transcript == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcript not configured"}, s.logger)
		return nil, false
	}
	msgs, err := s.transcript.Exchange(r.PathValue("id"))
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()}, s.logger)
		return nil, false
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return nil, false
	}
	return msgs, true
}

func (s *Server) handleExchangeGet(w http.ResponseWriter, r *http.Request) {
	if msgs, ok := s.exchange(w, r); ok {
		writeJSON(w, http.StatusOK, msgs, s.logger)
	}
}

func (s *Server) handleExchangeHTML(w http.ResponseWriter, r *http.Request) {
	msgs, ok := s.exchange(w, r)
	if !ok {
		return
	}
	page, err := transcript.RenderHTML(msgs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}
