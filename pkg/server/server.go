// Package server provides the HTTP API for the gateway.
//
// It exposes a Neo4j-style JSON query endpoint backed by the embedded graph
// engine, plus health, crash-diagnostics, and Prometheus metrics endpoints.
// API-level failures are reported inside the JSON body with HTTP 200;
// non-200 codes are reserved for transport problems (bad route, oversized
// body, malformed JSON).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kuzugate/kuzugate/pkg/crashlog"
	"github.com/kuzugate/kuzugate/pkg/errs"
	"github.com/kuzugate/kuzugate/pkg/pool"
	"github.com/kuzugate/kuzugate/pkg/query"
)

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = fmt.Errorf("server closed")

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 7001)
	Port int
	// DBPrefix is the first path segment of the query endpoint
	// (default: "kuzudb", giving POST /kuzudb/{databaseName})
	DBPrefix string
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses; must exceed the query timeout
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes
	MaxRequestSize int64
	// DefaultQueryTimeout applies when a request carries no timeout field
	DefaultQueryTimeout time.Duration
	// EnableCORS for cross-origin requests
	EnableCORS bool
	// TLSCertFile for HTTPS
	TLSCertFile string
	// TLSKeyFile for HTTPS
	TLSKeyFile string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:             "0.0.0.0",
		Port:                7001,
		DBPrefix:            "kuzudb",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        90 * time.Second,
		IdleTimeout:         120 * time.Second,
		MaxRequestSize:      1 << 20,
		DefaultQueryTimeout: query.DefaultTimeout,
		EnableCORS:          true,
	}
}

// Server is the gateway's HTTP API server.
type Server struct {
	config    *Config
	processor *query.Processor
	pool      *pool.Pool
	tracker   *crashlog.Tracker
	log       zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates the HTTP server. The processor, pool, and tracker are
// required; config falls back to DefaultConfig when nil.
func New(processor *query.Processor, p *pool.Pool, tracker *crashlog.Tracker, config *Config, log zerolog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if processor == nil {
		return nil, fmt.Errorf("query processor required")
	}
	if p == nil {
		return nil, fmt.Errorf("connection pool required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("crash tracker required")
	}

	return &Server{
		config:    config,
		processor: processor,
		pool:      p,
		tracker:   tracker,
		log:       log.With().Str("component", "http").Logger(),
	}, nil
}

// Start begins listening for HTTP connections. Serving happens on a
// background goroutine; Start returns once the listener is bound.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			err = s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Str("prefix", "/"+s.config.DBPrefix).Msg("http server listening")
	return nil
}

// Stop gracefully shuts down the server, draining in-flight requests until
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server-level request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// Stats holds server metrics.
type Stats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Query endpoint: POST /{prefix}/{databaseName}
	mux.HandleFunc("/"+s.config.DBPrefix+"/", s.handleQuery)

	// Health and diagnostics (no body limits, no query pipeline)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/crashes", s.handleCrashes)
	mux.Handle("/metrics", promhttp.Handler())

	// Wrap with middleware
	handler := s.corsMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)

	return handler
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Health checks are noise at info level.
		if r.URL.Path == "/health" {
			return
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				err := fmt.Errorf("panic: %v", v)
				s.tracker.RecordCrash(err, r.Method+" "+r.URL.Path, nil)
				s.errorCount.Add(1)
				s.writeJSON(w, http.StatusInternalServerError, Response{
					Status:  statusError,
					Message: "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// retryAfterSeconds extracts a retry hint from a pool-unavailable error.
func retryAfterSeconds(err error) float64 {
	if d := errs.RetryAfterOf(err); d > 0 {
		return d.Seconds()
	}
	return 0
}
