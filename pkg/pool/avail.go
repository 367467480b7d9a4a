package pool

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuzugate/kuzugate/pkg/engine"
	"github.com/kuzugate/kuzugate/pkg/metrics"
)

// State describes database availability as seen by the checker.
type State int

const (
	// StateAvailable means the database accepted a probe query.
	StateAvailable State = iota
	// StateUpdating means a writer holds the WAL lock (e.g. a bulk rebuild
	// is checkpointing); the database will usually come back on its own.
	StateUpdating
	// StateLocked means another process holds the database lock.
	StateLocked
	// StateUnavailable means the storage path is missing or the probe
	// query failed.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUpdating:
		return "updating"
	case StateLocked:
		return "locked"
	default:
		return "unavailable"
	}
}

// availabilityTTL bounds how long a positive probe result is trusted.
const availabilityTTL = 5 * time.Second

// probeQuery is the trivial query used to confirm the engine is responsive.
const probeQuery = "MATCH (n) RETURN count(n) LIMIT 1"

// AvailabilityChecker determines whether the backing database is currently
// usable: the storage path exists, no other process holds a lock marker, and
// a throwaway connection answers a trivial query.
//
// Positive results are cached for up to 5 seconds so that per-request checks
// do not re-probe the engine; negative results are never cached.
type AvailabilityChecker struct {
	driver engine.Driver
	path   string
	cfg    Config
	log    zerolog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	state     State

	probes atomic.Int64
}

// NewAvailabilityChecker creates a checker for the database at path.
func NewAvailabilityChecker(driver engine.Driver, path string, cfg Config, log zerolog.Logger) *AvailabilityChecker {
	return &AvailabilityChecker{
		driver: driver,
		path:   path,
		cfg:    cfg.withDefaults(),
		log:    log,
		state:  StateUnavailable,
	}
}

// IsAvailable reports whether the database is usable, probing at most once
// per availabilityTTL.
func (c *AvailabilityChecker) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCheck) < availabilityTTL {
		return c.state == StateAvailable
	}

	c.state = c.check()
	if c.state == StateAvailable {
		c.lastCheck = time.Now()
		metrics.DatabaseAvailable.Set(1)
	} else {
		metrics.DatabaseAvailable.Set(0)
	}
	return c.state == StateAvailable
}

// State returns the most recently observed state without probing.
func (c *AvailabilityChecker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Probes returns how many probe connections the checker has opened. Used by
// tests to verify the cache window.
func (c *AvailabilityChecker) Probes() int64 {
	return c.probes.Load()
}

// WaitForAvailable polls IsAvailable up to MaxRetries times, sleeping
// RetryDelay between attempts. It returns false on exhaustion or context
// cancellation; callers decide whether that is fatal.
func (c *AvailabilityChecker) WaitForAvailable(ctx context.Context) bool {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if c.IsAvailable() {
			return true
		}
		if attempt < c.cfg.MaxRetries-1 {
			c.log.Warn().
				Int("attempt", attempt+1).
				Int("max_retries", c.cfg.MaxRetries).
				Dur("retry_delay", c.cfg.RetryDelay).
				Msg("database not available, waiting")
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return false
			}
		}
	}
	c.log.Error().Int("max_retries", c.cfg.MaxRetries).Msg("database still not available after retries")
	return false
}

func (c *AvailabilityChecker) check() State {
	if _, err := os.Stat(c.path); err != nil {
		return StateUnavailable
	}

	if s, locked := c.lockState(); locked {
		return s
	}

	c.probes.Add(1)
	conn, err := c.driver.Open(c.path)
	if err != nil {
		c.log.Debug().Err(err).Msg("probe connection failed")
		return StateUnavailable
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if _, err := conn.Query(ctx, probeQuery); err != nil {
		c.log.Debug().Err(err).Msg("probe query failed")
		return StateUnavailable
	}
	return StateAvailable
}

// lockState inspects the sentinel files the engine leaves next to the
// storage path. The plain and shm locks mean another process owns the
// database; the WAL lock means a writer is mid-update.
func (c *AvailabilityChecker) lockState() (State, bool) {
	if _, err := os.Stat(c.path + ".wal.lock"); err == nil {
		return StateUpdating, true
	}
	for _, suffix := range []string{".lock", ".shm.lock"} {
		if _, err := os.Stat(c.path + suffix); err == nil {
			return StateLocked, true
		}
	}
	return StateAvailable, false
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
