// Package engine defines the capability boundary between KuzuGate and the
// embedded graph engine it fronts.
//
// The gateway consumes exactly three things from an engine: open a database
// at a filesystem path, run a query on a connection, and report version
// information. Everything else — query planning, storage, indexing — lives
// on the engine's side of this boundary.
//
// Implementations:
//   - pkg/engine/kuzu wraps the official go-kuzu binding.
//   - pkg/engine/enginetest provides a scriptable fake for tests.
package engine

import "context"

// Rows is the fully materialized result of one query.
//
// Records hold one map per result row, keyed by column name. Columns carries
// the engine's column order explicitly: Go maps do not preserve insertion
// order, and the TABLE wire envelope needs a stable header row.
type Rows struct {
	Columns []string
	Records []map[string]any
}

// Append concatenates other onto r, keeping r's column header. Used when a
// preprocessed query expands to multiple statements whose results are
// returned as one set.
func (r *Rows) Append(other *Rows) {
	if other == nil {
		return
	}
	if len(r.Columns) == 0 {
		r.Columns = other.Columns
	}
	r.Records = append(r.Records, other.Records...)
}

// VersionInfo identifies the engine build for the response summary.
type VersionInfo struct {
	Version        string
	StorageVersion string
}

// Driver opens connections to an embedded database at a path.
//
// Each Open returns an independent connection; the connection pool calls
// Open once per pooled connection and once per availability probe (the
// probe connection is closed immediately).
type Driver interface {
	Open(path string) (Conn, error)
	Version() VersionInfo
}

// Conn is a single engine connection. It is not safe for concurrent use;
// the pool guarantees exclusive checkout.
type Conn interface {
	// Query runs one statement and materializes the full result. The
	// context bounds execution; on cancellation the engine-side query is
	// interrupted where the engine supports it.
	Query(ctx context.Context, query string) (*Rows, error)
	Close() error
}
