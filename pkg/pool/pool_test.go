package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuzugate/kuzugate/pkg/engine"
	"github.com/kuzugate/kuzugate/pkg/engine/enginetest"
	"github.com/kuzugate/kuzugate/pkg/errs"
)

func testConfig() Config {
	return Config{
		MaxConnections:      3,
		MaxRetries:          3,
		RetryDelay:          10 * time.Millisecond,
		ConnectTimeout:      time.Second,
		IdleTimeout:         time.Minute,
		HealthCheckInterval: time.Hour, // keep the loop quiet during tests
	}
}

// newTestDB creates a directory that passes the checker's path check.
func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")
	require.NoError(t, os.MkdirAll(path, 0o755))
	return path
}

func TestAvailabilityChecker(t *testing.T) {
	t.Run("available when path exists and probe succeeds", func(t *testing.T) {
		driver := enginetest.NewDriver()
		c := NewAvailabilityChecker(driver, newTestDB(t), testConfig(), zerolog.Nop())

		assert.True(t, c.IsAvailable())
		assert.Equal(t, StateAvailable, c.State())
	})

	t.Run("positive results are cached", func(t *testing.T) {
		driver := enginetest.NewDriver()
		c := NewAvailabilityChecker(driver, newTestDB(t), testConfig(), zerolog.Nop())

		assert.True(t, c.IsAvailable())
		assert.True(t, c.IsAvailable())
		assert.True(t, c.IsAvailable())
		assert.Equal(t, int64(1), c.Probes(), "repeated checks inside the TTL must not re-probe")
	})

	t.Run("missing path is unavailable without probing", func(t *testing.T) {
		driver := enginetest.NewDriver()
		c := NewAvailabilityChecker(driver, filepath.Join(t.TempDir(), "missing"), testConfig(), zerolog.Nop())

		assert.False(t, c.IsAvailable())
		assert.Equal(t, StateUnavailable, c.State())
		assert.Equal(t, int64(0), c.Probes())
	})

	t.Run("lock marker means locked", func(t *testing.T) {
		driver := enginetest.NewDriver()
		path := newTestDB(t)
		require.NoError(t, os.WriteFile(path+".lock", nil, 0o644))

		c := NewAvailabilityChecker(driver, path, testConfig(), zerolog.Nop())
		assert.False(t, c.IsAvailable())
		assert.Equal(t, StateLocked, c.State())
	})

	t.Run("wal lock marker means updating", func(t *testing.T) {
		driver := enginetest.NewDriver()
		path := newTestDB(t)
		require.NoError(t, os.WriteFile(path+".wal.lock", nil, 0o644))

		c := NewAvailabilityChecker(driver, path, testConfig(), zerolog.Nop())
		assert.False(t, c.IsAvailable())
		assert.Equal(t, StateUpdating, c.State())
	})

	t.Run("negative results are not cached", func(t *testing.T) {
		driver := enginetest.NewDriver()
		path := newTestDB(t)
		lock := path + ".lock"
		require.NoError(t, os.WriteFile(lock, nil, 0o644))

		c := NewAvailabilityChecker(driver, path, testConfig(), zerolog.Nop())
		assert.False(t, c.IsAvailable())

		// Recovery is visible immediately, without waiting out a TTL.
		require.NoError(t, os.Remove(lock))
		assert.True(t, c.IsAvailable())
	})
}

func TestPoolStart(t *testing.T) {
	t.Run("opens the initial floor", func(t *testing.T) {
		driver := enginetest.NewDriver()
		p := New(driver, newTestDB(t), testConfig(), zerolog.Nop())

		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		status := p.Status()
		assert.Equal(t, 2, status.TotalConnections)
		assert.Equal(t, 2, status.IdleConnections)
		assert.True(t, status.DatabaseAvailable)
	})

	t.Run("fails when the database is locked", func(t *testing.T) {
		driver := enginetest.NewDriver()
		path := newTestDB(t)
		require.NoError(t, os.WriteFile(path+".lock", nil, 0o644))

		p := New(driver, path, testConfig(), zerolog.Nop())
		err := p.Start(context.Background())
		require.Error(t, err)
		assert.True(t, errs.IsUnavailable(err))
		assert.Greater(t, errs.RetryAfterOf(err), time.Duration(0), "unavailable errors carry a retry hint")
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		driver := enginetest.NewDriver()
		p := New(driver, newTestDB(t), testConfig(), zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))

		p.Stop()
		p.Stop()
		assert.Equal(t, 0, p.Status().TotalConnections)
	})
}

func TestExecuteWithRetry(t *testing.T) {
	t.Run("returns rows on success", func(t *testing.T) {
		driver := enginetest.NewDriver()
		driver.SetHandler(func(q string) (*engine.Rows, error) {
			return &engine.Rows{
				Columns: []string{"n"},
				Records: []map[string]any{{"n": int64(1)}},
			}, nil
		})
		p := New(driver, newTestDB(t), testConfig(), zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		rows, err := p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
		require.NoError(t, err)
		require.Len(t, rows.Records, 1)
	})

	t.Run("retries on a fresh connection after a failure", func(t *testing.T) {
		var calls atomic.Int64
		driver := enginetest.NewDriver()
		driver.SetHandler(func(q string) (*engine.Rows, error) {
			if q == probeQuery {
				return &engine.Rows{}, nil
			}
			if calls.Add(1) == 1 {
				return nil, errors.New("connection lost")
			}
			return &engine.Rows{Columns: []string{"ok"}}, nil
		})
		p := New(driver, newTestDB(t), testConfig(), zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		rows, err := p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
		require.NoError(t, err)
		assert.Equal(t, []string{"ok"}, rows.Columns)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		driver := enginetest.NewDriver()
		driver.SetHandler(func(q string) (*engine.Rows, error) {
			if q == probeQuery {
				return &engine.Rows{}, nil
			}
			return nil, errors.New("persistent failure")
		})
		cfg := testConfig()
		cfg.MaxRetries = 2
		p := New(driver, newTestDB(t), cfg, zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		_, err := p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
		require.Error(t, err)
		assert.True(t, errs.IsExecution(err))
		assert.Contains(t, err.Error(), "persistent failure")
	})

	t.Run("fails fast when every connection is busy", func(t *testing.T) {
		block := make(chan struct{})
		started := make(chan struct{}, 4)
		driver := enginetest.NewDriver()
		driver.SetHandler(func(q string) (*engine.Rows, error) {
			if q == probeQuery {
				return &engine.Rows{}, nil
			}
			started <- struct{}{}
			<-block
			return &engine.Rows{}, nil
		})

		cfg := testConfig()
		cfg.MaxConnections = 2
		p := New(driver, newTestDB(t), cfg, zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
			}()
		}
		// Wait until both holders are inside the engine.
		<-started
		<-started

		_, err := p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
		require.Error(t, err)
		assert.True(t, errs.IsNoConnection(err), "exhaustion must not queue or retry")
		assert.Contains(t, err.Error(), "no available connections")

		close(block)
		wg.Wait()
	})

	t.Run("poisoned connections are not reused", func(t *testing.T) {
		driver := enginetest.NewDriver()
		failNext := atomic.Bool{}
		failNext.Store(true)
		driver.SetHandler(func(q string) (*engine.Rows, error) {
			if q == probeQuery {
				return &engine.Rows{}, nil
			}
			if failNext.Swap(false) {
				return nil, errors.New("poisoned")
			}
			return &engine.Rows{}, nil
		})
		p := New(driver, newTestDB(t), testConfig(), zerolog.Nop())
		require.NoError(t, p.Start(context.Background()))
		defer p.Stop()

		opensBefore := driver.Opens()
		_, err := p.ExecuteWithRetry(context.Background(), "MATCH (n) RETURN n")
		require.NoError(t, err)
		assert.Greater(t, driver.Opens(), opensBefore, "retry must run on a newly opened connection")
	})
}

func TestPoolStatus(t *testing.T) {
	driver := enginetest.NewDriver()
	cfg := testConfig()
	p := New(driver, newTestDB(t), cfg, zerolog.Nop())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	status := p.Status()
	assert.Equal(t, cfg.MaxConnections, status.MaxConnections)
	assert.Equal(t, status.TotalConnections, status.ActiveConnections)
	assert.True(t, status.DatabaseAvailable)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	def := DefaultConfig()
	assert.Equal(t, def, cfg)

	custom := Config{MaxConnections: 10}.withDefaults()
	assert.Equal(t, 10, custom.MaxConnections)
	assert.Equal(t, def.MaxRetries, custom.MaxRetries)
}
