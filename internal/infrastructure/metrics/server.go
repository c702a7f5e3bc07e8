package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/infrastructure/health"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/position"
	apperrors "funding_arb/pkg/errors"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the part of the arbitrage engine the operator surface needs
type Engine interface {
	Positions() []*position.Position
	Stats() map[string]interface{}
	Resolve(ctx context.Context, symbol string) (*execution.Result, error)
}

// History reads the persisted trade log
type History interface {
	History(ctx context.Context, symbol string, limit int) ([]position.TradeLogEntry, error)
}

// Options wires the optional pieces of the operator surface
type Options struct {
	Health    *health.HealthManager
	History   History
	WebSocket http.Handler
	// ResolveTimeout bounds an operator resolve call
	ResolveTimeout time.Duration
}

// Server exposes Prometheus metrics, health and the operator endpoints
type Server struct {
	port   int
	engine Engine
	opts   Options
	logger core.ILogger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a new operator HTTP server
func NewServer(port int, engine Engine, opts Options, logger core.ILogger) *Server {
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 30 * time.Second
	}
	return &Server{
		port:   port,
		engine: engine,
		opts:   opts,
		logger: logger.WithField("component", "http_server"),
	}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("POST /positions/{symbol}/resolve", s.handleResolve)
	if s.opts.History != nil {
		mux.HandleFunc("GET /trades", s.handleTrades)
	}
	if s.opts.WebSocket != nil {
		mux.Handle("GET /ws", s.opts.WebSocket)
	}
	return mux
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.srv
	go func() {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"healthy": true})
		return
	}
	report := s.opts.Health.Report(r.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
		s.logger.Warn("Health check failing", "components", report.Failing())
	}
	writeJSON(w, code, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions()
	if positions == nil {
		positions = []*position.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.ResolveTimeout)
	defer cancel()

	s.logger.Warn("Operator resolve requested", "symbol", symbol, "remote_addr", r.RemoteAddr)
	res, err := s.engine.Resolve(ctx, symbol)
	if err != nil {
		s.logger.Error("Operator resolve failed", "symbol", symbol, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	entries, err := s.opts.History.History(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []position.TradeLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	var transition *apperrors.TransitionError
	switch {
	case errors.Is(err, apperrors.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, apperrors.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrVenueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
