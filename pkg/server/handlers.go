package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kuzugate/kuzugate/pkg/errs"
	"github.com/kuzugate/kuzugate/pkg/metrics"
)

// Body-level status codes. The HTTP status stays 200 for API results so
// clients distinguish transport failures from query failures.
const (
	statusOK    = 0
	statusError = 1
)

// QueryRequest is the query endpoint's body. The query text is accepted
// under several keys for client compatibility; the first non-empty of
// query, sql, gql, cypher, command wins.
type QueryRequest struct {
	Query   string `json:"query"`
	SQL     string `json:"sql"`
	GQL     string `json:"gql"`
	Cypher  string `json:"cypher"`
	Command string `json:"command"`

	Params map[string]any `json:"params"`
	// Timeout in milliseconds; the server default applies when zero.
	Timeout int64 `json:"timeout"`
}

// queryText returns the query under whichever alias the client used.
func (r *QueryRequest) queryText() string {
	for _, q := range []string{r.Query, r.SQL, r.GQL, r.Cypher, r.Command} {
		if q != "" {
			return q
		}
	}
	return ""
}

// Response is the envelope for every API-level reply.
type Response struct {
	Data       any     `json:"data,omitempty"`
	Status     int     `json:"status"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// =============================================================================
// Query Endpoint
// =============================================================================

// handleQuery serves POST /{prefix}/{databaseName}.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{
			Status:  statusError,
			Message: "POST required",
		})
		return
	}

	dbName := strings.Trim(strings.TrimPrefix(r.URL.Path, "/"+s.config.DBPrefix+"/"), "/")
	if dbName == "" || strings.Contains(dbName, "/") {
		s.writeJSON(w, http.StatusNotFound, Response{
			Status:  statusError,
			Message: "database name required",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{
			Status:  statusError,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	queryText := req.queryText()
	if queryText == "" {
		s.writeJSON(w, http.StatusOK, Response{
			Status:  statusError,
			Message: "query parameter is required.",
		})
		return
	}

	// Record before execution so hangs and crashes still leave a trace.
	s.tracker.RecordQuery(queryText, req.Params)

	timeout := s.config.DefaultQueryTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	metrics.QueriesTotal.Inc()

	envelope, err := s.dispatch(ctx, dbName, queryText, req.Params)
	metrics.QueryDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		s.errorCount.Add(1)
		metrics.QueryErrorsTotal.WithLabelValues(errs.KindOf(err).String()).Inc()
		s.writeJSON(w, http.StatusOK, Response{
			Status:     statusError,
			Message:    err.Error(),
			RetryAfter: retryAfterSeconds(err),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, Response{
		Data:    envelope,
		Status:  statusOK,
		Message: "Success",
	})
}

// dispatch routes schema introspection past the regular pipeline. Anything
// else goes through validate/preprocess/execute/convert.
func (s *Server) dispatch(ctx context.Context, dbName, queryText string, params map[string]any) (any, error) {
	q := strings.ToLower(strings.TrimSpace(queryText))
	if q == "call schema" || q == "call schema()" {
		return s.processor.SchemaEnvelope(ctx, dbName)
	}
	return s.processor.Run(ctx, queryText, params)
}

// =============================================================================
// Health and Diagnostics
// =============================================================================

// healthProbeTimeout bounds the catalog query behind /health so a hung
// engine cannot stall the endpoint.
const healthProbeTimeout = 10 * time.Second

// handleHealth serves GET /health. It runs a real catalog query through
// the pool, so "connected" means an end-to-end round trip succeeded.
// Always HTTP 200; unhealthy state is visible in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{Status: statusError, Message: "GET required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.pool.ExecuteWithRetry(ctx, "CALL show_tables() RETURN *"); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     err.Error(),
			"timestamp": timestamp,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"database":    "connected",
		"pool_status": s.pool.Status(),
		"timestamp":   timestamp,
	})
}

// handleCrashes serves GET /debug/crashes: crash history, recent queries,
// processor counters, and a fresh resource snapshot.
func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, Response{Status: statusError, Message: "GET required"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"crash_info":      s.tracker.DebugInfo(),
		"processor_stats": s.processor.Stats(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes v as the response body. Encoding failures are logged;
// at that point headers are gone and nothing can be sent to the client.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}
