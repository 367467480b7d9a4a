// Package kuzu adapts the official go-kuzu binding to the engine.Driver
// interface.
//
// Each Open creates an independent Database/Connection pair, mirroring how
// the pool treats connections as isolated units that can be poisoned and
// replaced individually. Kuzu results are materialized eagerly into
// engine.Rows; the gateway's LIMIT preprocessing bounds their size.
package kuzu

import (
	"context"
	"fmt"
	"strconv"
	"time"

	kuzudb "github.com/kuzudb/go-kuzu"

	"github.com/kuzugate/kuzugate/pkg/engine"
)

// Driver opens Kuzu databases. The zero value is ready to use.
type Driver struct{}

// NewDriver returns a Kuzu driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Open implements engine.Driver.
func (d *Driver) Open(path string) (engine.Conn, error) {
	db, err := kuzudb.OpenDatabase(path, kuzudb.DefaultSystemConfig())
	if err != nil {
		return nil, fmt.Errorf("opening kuzu database at %s: %w", path, err)
	}
	c, err := kuzudb.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening kuzu connection: %w", err)
	}
	return &conn{db: db, conn: c}, nil
}

// Version implements engine.Driver.
func (d *Driver) Version() engine.VersionInfo {
	return engine.VersionInfo{
		Version:        kuzudb.GetVersion(),
		StorageVersion: strconv.FormatUint(kuzudb.GetStorageVersion(), 10),
	}
}

type conn struct {
	db   *kuzudb.Database
	conn *kuzudb.Connection
}

func (c *conn) Query(ctx context.Context, query string) (*engine.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Arm the engine-side timeout from the context deadline, and interrupt
	// the running query if the context is cancelled mid-flight.
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		c.conn.SetTimeout(uint64(remaining.Milliseconds()))
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Interrupt()
		case <-done:
		}
	}()

	result, err := c.conn.Query(query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	defer result.Close()

	rows := &engine.Rows{Columns: result.GetColumnNames()}
	for result.HasNext() {
		tuple, err := result.Next()
		if err != nil {
			return nil, fmt.Errorf("reading result row: %w", err)
		}
		record, err := tuple.GetAsMap()
		tuple.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding result row: %w", err)
		}
		rows.Records = append(rows.Records, record)
	}
	return rows, nil
}

func (c *conn) Close() error {
	c.conn.Close()
	c.db.Close()
	return nil
}
