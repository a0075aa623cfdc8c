// Package api serves the read-only dashboard JSON surface: block list
// contents, the client activity ledger, the override table and host metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"cleannet/pkg/blocklist"
	"cleannet/pkg/ledger"
	"cleannet/pkg/logging"
	"cleannet/pkg/override"
)

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	blocklistManager *blocklist.Manager
	overrides        *override.Table
	ledger           *ledger.Ledger
	clientNames      *ledger.Names

	// Metadata
	version   string
	startTime time.Time
	addr      atomic.Value
}

// Config holds API server configuration
type Config struct {
	ListenAddress    string
	BlocklistManager *blocklist.Manager
	Overrides        *override.Table
	Ledger           *ledger.Ledger
	ClientNames      *ledger.Names
	Logger           *logging.Logger
	Version          string
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}

	s := &Server{
		blocklistManager: cfg.BlocklistManager,
		overrides:        cfg.Overrides,
		ledger:           cfg.Ledger,
		clientNames:      cfg.ClientNames,
		logger:           cfg.Logger,
		version:          cfg.Version,
		startTime:        time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/system", s.handleSystem)

	mux.HandleFunc("GET /api/blocklists", s.handleGetBlocklists)
	mux.HandleFunc("GET /api/blocklists/{list}", s.handleGetBlocklistDomains)
	mux.HandleFunc("POST /api/blocklists/reload", s.handleBlocklistReload)

	mux.HandleFunc("GET /api/clients", s.handleGetClients)
	mux.HandleFunc("GET /api/clients/{client}", s.handleGetClient)

	mux.HandleFunc("GET /api/overrides", s.handleGetOverrides)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API listen on %s: %w", s.httpServer.Addr, err)
	}
	s.addr.Store(ln.Addr().String())
	s.logger.Info("Starting API server", "address", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
