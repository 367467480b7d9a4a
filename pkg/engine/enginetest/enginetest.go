// Package enginetest provides a scriptable in-memory engine.Driver for
// tests. The fake counts opens and queries so tests can assert on probe
// caching and pool behavior without a real database on disk.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kuzugate/kuzugate/pkg/engine"
)

// Handler produces the result of one query.
type Handler func(query string) (*engine.Rows, error)

// Driver is a fake engine.Driver. The zero value is not usable; create one
// with NewDriver.
type Driver struct {
	mu      sync.Mutex
	handler Handler
	openErr error

	opens   atomic.Int64
	queries atomic.Int64
}

// NewDriver returns a fake driver whose queries succeed with an empty
// result until a handler is installed.
func NewDriver() *Driver {
	return &Driver{
		handler: func(string) (*engine.Rows, error) {
			return &engine.Rows{}, nil
		},
	}
}

// SetHandler installs fn as the response for every subsequent query, on any
// connection.
func (d *Driver) SetHandler(fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

// SetOpenError makes every subsequent Open fail with err (nil restores
// normal behavior).
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Opens returns how many connections were opened, including availability
// probes.
func (d *Driver) Opens() int64 { return d.opens.Load() }

// Queries returns how many queries were executed, including probe queries.
func (d *Driver) Queries() int64 { return d.queries.Load() }

// Open implements engine.Driver.
func (d *Driver) Open(path string) (engine.Conn, error) {
	d.mu.Lock()
	err := d.openErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.opens.Add(1)
	return &conn{driver: d}, nil
}

// Version implements engine.Driver.
func (d *Driver) Version() engine.VersionInfo {
	return engine.VersionInfo{Version: "0.11.2", StorageVersion: "0.11.2"}
}

type conn struct {
	driver *Driver
	closed atomic.Bool
}

func (c *conn) Query(ctx context.Context, query string) (*engine.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.driver.queries.Add(1)
	c.driver.mu.Lock()
	fn := c.driver.handler
	c.driver.mu.Unlock()
	rows, err := fn(query)
	// A real engine interrupts the query when the deadline passes; surface
	// the cancellation even when the scripted handler ran to completion.
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	return rows, err
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}
