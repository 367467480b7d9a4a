// Package query validates, rewrites, executes, and converts graph queries.
//
// The Processor is the pipeline behind the HTTP query endpoint: a query is
// validated against safety limits, preprocessed into one or more engine
// statements, executed through the connection pool with retries, and the
// raw rows converted into a Neo4j-style response envelope. Every failure at
// any stage is recorded by the crash tracker before it propagates.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuzugate/kuzugate/pkg/crashlog"
	"github.com/kuzugate/kuzugate/pkg/engine"
	"github.com/kuzugate/kuzugate/pkg/errs"
	"github.com/kuzugate/kuzugate/pkg/pool"
)

const (
	// MaxQueryLength is the hard limit on query text length, checked before
	// any pattern matching so oversized input never reaches the regexes.
	MaxQueryLength = 10000

	// MaxQueryResults caps rows returned by a single query. Appended as a
	// LIMIT clause to RETURN queries that carry none.
	MaxQueryResults = 20000

	// DefaultTimeout applies when a request does not set its own.
	DefaultTimeout = 60 * time.Second

	// skipHardLimit rejects queries paginating deeper than this.
	skipHardLimit = 10000
	// skipWarnLimit logs a warning for deep (but allowed) pagination.
	skipWarnLimit = 5000
)

// showTablesQuery is the canonical statement behind the catalog aliases.
const showTablesQuery = "CALL show_tables() RETURN *"

// Substrings that identify destructive or process-level operations. Matched
// against the lowercased query.
var dangerousPatterns = []string{
	"drop database",
	"delete database",
	"shutdown",
	"kill",
	"terminate",
}

// Patterns known to hang the engine or scan far more than intended. Matches
// are logged, not rejected.
var problematicPatterns = []*regexp.Regexp{
	// Property equality against a string literal tends to full-scan.
	regexp.MustCompile(`where\s+\w+\.\w+\s*=\s*['"][^'"]*['"]`),
	// Three or more ANDed predicates defeat the planner on large graphs.
	regexp.MustCompile(`where\s+.*\s+and\s+.*\s+and\s+.*\s+and`),
	regexp.MustCompile(`where\s+.*\s+in\s*\(`),
}

var skipPattern = regexp.MustCompile(`skip\s+(\d+)`)

// Catalog aliases accepted for client compatibility, all rewritten to
// showTablesQuery.
var catalogAliases = []string{
	"show databases",
	"call list",
	"call dbs",
	"show tables",
}

// Processor runs the query pipeline against one database.
type Processor struct {
	pool    *pool.Pool
	tracker *crashlog.Tracker
	log     zerolog.Logger
	dbPath  string
	version engine.VersionInfo
	started time.Time

	queryCount atomic.Int64
	errorCount atomic.Int64
}

// NewProcessor wires the pipeline to a pool and crash tracker. The driver
// supplies engine version info for response summaries.
func NewProcessor(p *pool.Pool, tracker *crashlog.Tracker, driver engine.Driver, dbPath string, log zerolog.Logger) *Processor {
	return &Processor{
		pool:    p,
		tracker: tracker,
		log:     log.With().Str("component", "query").Logger(),
		dbPath:  dbPath,
		version: driver.Version(),
		started: time.Now(),
	}
}

// Run executes the full pipeline: validate, preprocess, execute, convert.
// Failures are recorded by the crash tracker exactly once before returning.
func (p *Processor) Run(ctx context.Context, query string, params map[string]any) (*Envelope, error) {
	p.queryCount.Add(1)

	if err := p.Validate(query); err != nil {
		return nil, p.fail(err, query, params)
	}

	statements := p.Preprocess(query)

	rows, err := p.Execute(ctx, statements)
	if err != nil {
		return nil, p.fail(err, query, params)
	}
	return p.Convert(rows), nil
}

// fail records the error against the crash tracker and bumps counters.
func (p *Processor) fail(err error, query string, params map[string]any) error {
	p.errorCount.Add(1)
	p.tracker.RecordCrash(err, query, params)
	return err
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks a query against safety limits. The length check runs
// first and short-circuits everything else. Problematic-but-legal patterns
// only produce log warnings.
func (p *Processor) Validate(query string) error {
	if len(query) > MaxQueryLength {
		return errs.Newf(errs.KindValidation,
			"query is too long (%d characters, max %d characters)", len(query), MaxQueryLength)
	}
	if strings.TrimSpace(query) == "" {
		return errs.New(errs.KindValidation, "query is empty")
	}

	lower := strings.ToLower(query)

	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return errs.Newf(errs.KindValidation,
				"query contains potentially dangerous pattern: %s", pattern)
		}
	}

	for _, re := range problematicPatterns {
		if re.MatchString(lower) {
			p.log.Warn().
				Str("pattern", re.String()).
				Str("query", query).
				Msg("query matches a pattern known to cause engine hangs")
		}
	}

	if m := skipPattern.FindStringSubmatch(lower); m != nil {
		skip, err := strconv.Atoi(m[1])
		if err == nil {
			if skip > skipHardLimit {
				return errs.Newf(errs.KindValidation,
					"SKIP value too high (%d), max allowed is %d", skip, skipHardLimit)
			}
			if skip > skipWarnLimit {
				p.log.Warn().Int("skip", skip).Msg("high SKIP value, expect slow pagination")
			}
		}
	}

	return nil
}

// =============================================================================
// Preprocessing
// =============================================================================

// Preprocess rewrites a validated query into the statement(s) actually sent
// to the engine:
//
//   - catalog aliases (SHOW DATABASES, CALL LIST, CALL DBS, SHOW TABLES,
//     CALL SCHEMA) become the canonical show_tables call
//   - CALL TEST expands into the statements that build the sample movie graph
//   - a literal :null label is rewritten to :Unknown
//   - RETURN queries without a LIMIT get one appended at MaxQueryResults
func (p *Processor) Preprocess(query string) []string {
	lower := strings.ToLower(strings.TrimSpace(query))

	if strings.Contains(lower, "call test") {
		return testFixtureStatements()
	}
	if strings.Contains(lower, "call schema") {
		return []string{showTablesQuery}
	}
	for _, alias := range catalogAliases {
		if strings.Contains(lower, alias) {
			return []string{showTablesQuery}
		}
	}

	query = strings.ReplaceAll(query, ":null", ":Unknown")

	if strings.Contains(lower, "return") && !strings.Contains(lower, "limit") {
		query = strings.TrimRight(strings.TrimSpace(query), ";")
		query = fmt.Sprintf("%s LIMIT %d", query, MaxQueryResults)
	}

	return []string{query}
}

// testFixtureStatements builds a small movie graph for smoke-testing a
// fresh database.
func testFixtureStatements() []string {
	return []string{
		"CREATE NODE TABLE IF NOT EXISTS Person(name STRING, age INT64, PRIMARY KEY(name))",
		"CREATE NODE TABLE IF NOT EXISTS Movie(title STRING, year INT64, PRIMARY KEY(title))",
		"CREATE REL TABLE IF NOT EXISTS ActedIn(FROM Person TO Movie, role STRING)",
		"CREATE (:Person {name: 'Keanu Reeves', age: 59})",
		"CREATE (:Person {name: 'Carrie-Anne Moss', age: 56})",
		"CREATE (:Movie {title: 'The Matrix', year: 1999})",
		"MATCH (p:Person {name: 'Keanu Reeves'}), (m:Movie {title: 'The Matrix'}) CREATE (p)-[:ActedIn {role: 'Neo'}]->(m)",
		"MATCH (p:Person {name: 'Carrie-Anne Moss'}), (m:Movie {title: 'The Matrix'}) CREATE (p)-[:ActedIn {role: 'Trinity'}]->(m)",
		"MATCH (n) RETURN n LIMIT 100",
	}
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs statements in order through the pool, merging their rows.
// The first failure aborts the batch.
func (p *Processor) Execute(ctx context.Context, statements []string) (*engine.Rows, error) {
	combined := &engine.Rows{}

	for i, stmt := range statements {
		rows, err := p.pool.ExecuteWithRetry(ctx, stmt)
		if err != nil {
			if len(statements) > 1 {
				p.log.Error().Err(err).Int("statement", i).Msg("batch statement failed")
			}
			return nil, err
		}
		combined.Append(rows)
	}
	return combined, nil
}

// summary builds the version block attached to every envelope.
func (p *Processor) summary() Summary {
	return Summary{
		Version:        p.version.Version,
		StorageVersion: p.version.StorageVersion,
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats is the service-level counters block exposed on the health endpoint.
type Stats struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	UptimeFormatted string  `json:"uptime_formatted"`
	TotalQueries    int64   `json:"total_queries"`
	ErrorCount      int64   `json:"error_count"`
	SuccessRate     float64 `json:"success_rate"`
	DatabasePath    string  `json:"database_path"`
}

// Stats reports uptime and query counters since startup.
func (p *Processor) Stats() Stats {
	uptime := time.Since(p.started)
	total := p.queryCount.Load()
	errors := p.errorCount.Load()

	rate := 100.0
	if total > 0 {
		rate = float64(total-errors) / float64(total) * 100
	}

	return Stats{
		UptimeSeconds:   uptime.Seconds(),
		UptimeFormatted: formatUptime(uptime),
		TotalQueries:    total,
		ErrorCount:      errors,
		SuccessRate:     rate,
		DatabasePath:    p.dbPath,
	}
}

// formatUptime renders a duration as "1h 23m 45s".
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
