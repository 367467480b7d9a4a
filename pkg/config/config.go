// Package config handles gateway configuration via environment variables
// and an optional YAML file.
//
// Environment variables are the primary mechanism so the gateway drops into
// container deployments without a config file. All variables are prefixed
// with KUZUGATE_. A YAML file, when given, is loaded first and environment
// variables override it.
//
// Example Usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("Listening on %s:%d\n", cfg.Server.Address, cfg.Server.Port)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuzugate/kuzugate/pkg/logger"
	"github.com/kuzugate/kuzugate/pkg/pool"
)

// Config holds all gateway configuration.
//
// Sections:
//   - Database: path to the embedded database directory
//   - Server: HTTP listener settings
//   - Pool: connection pool sizing and retry policy
//   - Query: query execution limits
//   - Logging: log level, format, and optional file
//   - Debug: crash journal persistence
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Pool     pool.Config    `yaml:"pool"`
	Query    QueryConfig    `yaml:"query"`
	Logging  logger.Config  `yaml:"logging"`
	Debug    DebugConfig    `yaml:"debug"`
}

// DatabaseConfig holds embedded database settings.
type DatabaseConfig struct {
	// Path is the database directory. Required.
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Address to bind to (default 0.0.0.0)
	Address string `yaml:"address"`
	// Port for HTTP connections (default 7001)
	Port int `yaml:"port"`
	// DBPrefix is the first path segment of the query endpoint (default "kuzudb")
	DBPrefix string `yaml:"db_prefix"`
	// ReadTimeout for reading request bodies
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout must exceed the query timeout or responses get cut off
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout bounds graceful drain on stop
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestSize caps request bodies in bytes
	MaxRequestSize int64 `yaml:"max_request_size"`
	// CORSEnabled adds permissive CORS headers for browser clients
	CORSEnabled bool `yaml:"cors_enabled"`
	// TLSCert and TLSKey enable HTTPS when both are set
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	// DefaultTimeout applies when a request does not carry its own timeout
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DebugConfig holds crash diagnostics settings.
type DebugConfig struct {
	// CrashJournalDir enables the persistent crash journal when set
	CrashJournalDir string `yaml:"crash_journal_dir"`
}

// Load builds the configuration: defaults, then the YAML file (if path is
// non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            7001,
			DBPrefix:        "kuzudb",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestSize:  1 << 20,
			CORSEnabled:     true,
		},
		Pool: pool.DefaultConfig(),
		Query: QueryConfig{
			DefaultTimeout: 60 * time.Second,
		},
		Logging: logger.DefaultConfig(),
	}
}

// applyEnv overrides config fields from KUZUGATE_* environment variables.
func (c *Config) applyEnv() {
	c.Database.Path = getEnv("KUZUGATE_DB_PATH", c.Database.Path)

	c.Server.Address = getEnv("KUZUGATE_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("KUZUGATE_PORT", c.Server.Port)
	c.Server.DBPrefix = getEnv("KUZUGATE_DB_PREFIX", c.Server.DBPrefix)
	c.Server.ReadTimeout = getEnvDuration("KUZUGATE_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("KUZUGATE_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("KUZUGATE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MaxRequestSize = int64(getEnvInt("KUZUGATE_MAX_REQUEST_SIZE", int(c.Server.MaxRequestSize)))
	c.Server.CORSEnabled = getEnvBool("KUZUGATE_CORS_ENABLED", c.Server.CORSEnabled)
	c.Server.TLSCert = getEnv("KUZUGATE_TLS_CERT", c.Server.TLSCert)
	c.Server.TLSKey = getEnv("KUZUGATE_TLS_KEY", c.Server.TLSKey)

	c.Pool.MaxConnections = getEnvInt("KUZUGATE_POOL_MAX_CONNECTIONS", c.Pool.MaxConnections)
	c.Pool.MaxRetries = getEnvInt("KUZUGATE_POOL_MAX_RETRIES", c.Pool.MaxRetries)
	c.Pool.RetryDelay = getEnvDuration("KUZUGATE_POOL_RETRY_DELAY", c.Pool.RetryDelay)
	c.Pool.ConnectTimeout = getEnvDuration("KUZUGATE_POOL_CONNECT_TIMEOUT", c.Pool.ConnectTimeout)
	c.Pool.IdleTimeout = getEnvDuration("KUZUGATE_POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout)
	c.Pool.HealthCheckInterval = getEnvDuration("KUZUGATE_POOL_HEALTH_CHECK_INTERVAL", c.Pool.HealthCheckInterval)

	c.Query.DefaultTimeout = getEnvDuration("KUZUGATE_QUERY_TIMEOUT", c.Query.DefaultTimeout)

	c.Logging.Level = getEnv("KUZUGATE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("KUZUGATE_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("KUZUGATE_LOG_FILE", c.Logging.File)

	c.Debug.CrashJournalDir = getEnv("KUZUGATE_CRASH_JOURNAL_DIR", c.Debug.CrashJournalDir)
}

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}
	if c.Server.DBPrefix == "" || strings.Contains(c.Server.DBPrefix, "/") {
		return fmt.Errorf("invalid db prefix: %q", c.Server.DBPrefix)
	}
	if c.Server.MaxRequestSize <= 0 {
		return fmt.Errorf("invalid max request size: %d", c.Server.MaxRequestSize)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls requires both certificate and key")
	}
	if c.Pool.MaxConnections < 0 || c.Pool.MaxRetries < 0 {
		return fmt.Errorf("pool sizes must not be negative")
	}
	if c.Query.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid query timeout: %s", c.Query.DefaultTimeout)
	}
	return nil
}

// String returns a safe representation for startup logging. Only topology,
// never secrets or full paths from the environment.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{HTTP: %s:%d, Prefix: /%s, DB: %s, Pool: %d}",
		c.Server.Address, c.Server.Port,
		c.Server.DBPrefix,
		c.Database.Path,
		c.Pool.MaxConnections,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are taken as seconds.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
