// Package pool owns the gateway's engine connections.
//
// The pool creates connections lazily up to a configured cap, hands them out
// exclusively (one connection to one request at a time), retries queries
// with a fixed delay when the database is briefly unavailable, and replaces
// connections that fail mid-query instead of reusing them. A background
// health-check loop evicts idle connections and keeps at least one alive
// while the engine is reachable.
//
// Usage:
//
//	p := pool.New(driver, dbPath, pool.DefaultConfig(), log)
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	defer p.Stop()
//
//	rows, err := p.ExecuteWithRetry(ctx, "MATCH (n) RETURN count(n)")
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuzugate/kuzugate/pkg/engine"
	"github.com/kuzugate/kuzugate/pkg/errs"
	"github.com/kuzugate/kuzugate/pkg/metrics"
)

// Config holds connection pool settings. Immutable once the pool starts.
type Config struct {
	// MaxConnections caps the number of simultaneously open connections.
	MaxConnections int `yaml:"max_connections"`
	// MaxRetries bounds availability waits and query retries.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the fixed delay between retry attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ConnectTimeout bounds probe queries on throwaway connections.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IdleTimeout is how long an unused connection survives before the
	// health loop reaps it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// HealthCheckInterval is the period of the background health loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      5,
		MaxRetries:          3,
		RetryDelay:          10 * time.Second,
		ConnectTimeout:      30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	return c
}

// initialFloor is how many connections Start opens before serving.
const initialFloor = 2

// pooledConn wraps one engine connection with checkout bookkeeping.
// A connection is in exactly one of three states: idle-available
// (active, not inUse), checked-out (active, inUse), or closed (!active).
type pooledConn struct {
	conn      engine.Conn
	createdAt time.Time
	lastUsed  time.Time
	active    bool
	inUse     bool
}

func (pc *pooledConn) idle(timeout time.Duration) bool {
	return time.Since(pc.lastUsed) > timeout
}

// Status is a point-in-time snapshot of the pool, exposed on /health.
type Status struct {
	TotalConnections  int  `json:"total_connections"`
	ActiveConnections int  `json:"active_connections"`
	IdleConnections   int  `json:"idle_connections"`
	MaxConnections    int  `json:"max_connections"`
	DatabaseAvailable bool `json:"database_available"`
}

// Pool is a bounded set of engine connections with retry semantics.
type Pool struct {
	driver  engine.Driver
	path    string
	cfg     Config
	checker *AvailabilityChecker
	log     zerolog.Logger

	mu      sync.Mutex
	conns   []*pooledConn
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool for the database at path. Call Start before use.
func New(driver engine.Driver, path string, cfg Config, log zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		driver:  driver,
		path:    path,
		cfg:     cfg,
		checker: NewAvailabilityChecker(driver, path, cfg, log),
		log:     log,
	}
}

// Checker returns the pool's availability checker.
func (p *Pool) Checker() *AvailabilityChecker { return p.checker }

// Config returns the pool's effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Start blocks until the database is available (bounded by MaxRetries ×
// RetryDelay), opens the initial connection floor, and launches the
// health-check loop. A start failure is returned, never thrown.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info().Str("path", p.path).Msg("starting connection pool")

	if !p.checker.WaitForAvailable(ctx) {
		return errs.WithRetry(errs.KindUnavailable,
			"database unavailable: failed to start connection pool", nil, p.cfg.RetryDelay)
	}

	p.mu.Lock()
	floor := initialFloor
	if floor > p.cfg.MaxConnections {
		floor = p.cfg.MaxConnections
	}
	for i := 0; i < floor; i++ {
		pc, err := p.newConn()
		if err != nil {
			// Creation failures are not fatal at start; the health loop
			// and on-demand growth will recover.
			p.log.Warn().Err(err).Msg("failed to create initial connection")
			continue
		}
		p.conns = append(p.conns, pc)
	}
	p.running = true
	opened := len(p.conns)
	p.updateGauges()
	p.mu.Unlock()

	hctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.healthLoop(hctx)

	p.log.Info().Int("connections", opened).Msg("connection pool started")
	return nil
}

// Stop cancels the health-check loop, waits for it to exit, then closes
// every connection. Awaiting the loop first avoids reaping connections
// while they are being closed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	for _, pc := range p.conns {
		p.closeConn(pc)
	}
	p.conns = nil
	p.updateGauges()
	p.mu.Unlock()

	p.log.Info().Msg("connection pool stopped")
}

// ExecuteWithRetry runs query with up to MaxRetries attempts. Each attempt
// re-checks availability (sleeping RetryDelay when the database is down),
// acquires an exclusive connection, and executes. A query failure poisons
// the connection so the next attempt runs on a fresh one. Pool exhaustion
// fails immediately rather than queuing; backpressure is pushed to the
// caller via the NoConnection error's retry hint.
func (p *Pool) ExecuteWithRetry(ctx context.Context, query string) (*engine.Rows, error) {
	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.QueryRetriesTotal.Inc()
		}

		if !p.checker.IsAvailable() {
			lastErr = errs.WithRetry(errs.KindUnavailable,
				"database unavailable", nil, p.cfg.RetryDelay)
			if attempt < p.cfg.MaxRetries-1 {
				p.log.Warn().
					Int("attempt", attempt+1).
					Int("max_retries", p.cfg.MaxRetries).
					Msg("database unavailable, waiting before retry")
				if !sleepCtx(ctx, p.cfg.RetryDelay) {
					return nil, errs.Wrap(errs.KindUnavailable, "database unavailable", ctx.Err())
				}
			}
			continue
		}

		pc, err := p.acquire()
		if err != nil {
			// At capacity with every connection busy: fail fast, no queuing.
			return nil, err
		}

		rows, qerr := pc.conn.Query(ctx, query)
		if qerr == nil {
			p.release(pc)
			return rows, nil
		}

		// Assume the connection is poisoned; it will not be reused.
		p.poison(pc)

		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindExecution, "query cancelled", ctx.Err())
		}

		lastErr = errs.WithRetry(errs.KindExecution, qerr.Error(), qerr, p.cfg.RetryDelay)
		if attempt < p.cfg.MaxRetries-1 {
			p.log.Warn().
				Err(qerr).
				Int("attempt", attempt+1).
				Int("max_retries", p.cfg.MaxRetries).
				Msg("query failed, retrying on a fresh connection")
			if !sleepCtx(ctx, p.cfg.RetryDelay) {
				return nil, errs.Wrap(errs.KindExecution, "query cancelled", ctx.Err())
			}
		}
	}

	if lastErr == nil {
		lastErr = errs.WithRetry(errs.KindUnavailable,
			"database unavailable", nil, p.cfg.RetryDelay)
	}
	return nil, lastErr
}

// Status returns a snapshot of the pool. It does not probe the database;
// availability reflects the checker's cached state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		TotalConnections:  len(p.conns),
		MaxConnections:    p.cfg.MaxConnections,
		DatabaseAvailable: p.checker.State() == StateAvailable,
	}
	for _, pc := range p.conns {
		if !pc.active {
			continue
		}
		s.ActiveConnections++
		if !pc.inUse {
			s.IdleConnections++
		}
	}
	return s
}

// =============================================================================
// Connection lifecycle
// =============================================================================

// acquire checks out an idle connection, creating one when under the cap.
func (p *Pool) acquire() (*pooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, errs.WithRetry(errs.KindUnavailable,
			"connection pool is not running", nil, p.cfg.RetryDelay)
	}

	for _, pc := range p.conns {
		if pc.active && !pc.inUse {
			pc.inUse = true
			pc.lastUsed = time.Now()
			p.updateGauges()
			return pc, nil
		}
	}

	if len(p.conns) < p.cfg.MaxConnections {
		pc, err := p.newConn()
		if err != nil {
			// Treated as "no connection available" rather than propagated.
			p.log.Warn().Err(err).Msg("failed to create connection")
			return nil, errs.WithRetry(errs.KindNoConnection,
				"no available connections: all connections are busy or unavailable", nil, p.cfg.RetryDelay)
		}
		pc.inUse = true
		p.conns = append(p.conns, pc)
		p.updateGauges()
		return pc, nil
	}

	return nil, errs.WithRetry(errs.KindNoConnection,
		"no available connections: all connections are busy or unavailable", nil, p.cfg.RetryDelay)
}

// release returns a checked-out connection to the idle set.
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.inUse = false
	pc.lastUsed = time.Now()
	p.updateGauges()
}

// poison marks a connection unusable after a query failure; the health loop
// closes and removes it.
func (p *Pool) poison(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.active = false
	pc.inUse = false
	p.updateGauges()
}

// newConn opens one engine connection. Caller holds p.mu.
func (p *Pool) newConn() (*pooledConn, error) {
	conn, err := p.driver.Open(p.path)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooledConn{conn: conn, createdAt: now, lastUsed: now, active: true}, nil
}

func (p *Pool) closeConn(pc *pooledConn) {
	if pc.conn != nil {
		if err := pc.conn.Close(); err != nil {
			p.log.Warn().Err(err).Msg("error closing connection")
		}
	}
	pc.active = false
}

// =============================================================================
// Health-check loop
// =============================================================================

func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapConnections()
			p.ensureFloor()
		}
	}
}

// reapConnections closes poisoned and idle-too-long connections. Checked-out
// connections are never reaped.
func (p *Pool) reapConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.conns[:0]
	for _, pc := range p.conns {
		if pc.inUse {
			kept = append(kept, pc)
			continue
		}
		if !pc.active || pc.idle(p.cfg.IdleTimeout) {
			p.closeConn(pc)
			continue
		}
		kept = append(kept, pc)
	}
	if reaped := len(p.conns) - len(kept); reaped > 0 {
		p.log.Debug().Int("reaped", reaped).Msg("reaped connections")
	}
	p.conns = kept
	p.updateGauges()
}

// ensureFloor keeps at least one connection alive while under the cap.
func (p *Pool) ensureFloor() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.conns {
		if pc.active {
			return
		}
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		return
	}
	pc, err := p.newConn()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to replenish connection")
		return
	}
	p.conns = append(p.conns, pc)
	p.updateGauges()
}

// updateGauges publishes pool counts. Caller holds p.mu.
func (p *Pool) updateGauges() {
	var active, idle int
	for _, pc := range p.conns {
		if !pc.active {
			continue
		}
		active++
		if !pc.inUse {
			idle++
		}
	}
	metrics.PoolConnections.WithLabelValues("total").Set(float64(len(p.conns)))
	metrics.PoolConnections.WithLabelValues("active").Set(float64(active))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(idle))
}
