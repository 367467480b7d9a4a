// KuzuGate - HTTP gateway exposing a Neo4j-style JSON query API over an
// embedded Kuzu graph database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuzugate/kuzugate/pkg/config"
	"github.com/kuzugate/kuzugate/pkg/crashlog"
	"github.com/kuzugate/kuzugate/pkg/engine/kuzu"
	"github.com/kuzugate/kuzugate/pkg/logger"
	"github.com/kuzugate/kuzugate/pkg/pool"
	"github.com/kuzugate/kuzugate/pkg/query"
	"github.com/kuzugate/kuzugate/pkg/server"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kuzugate",
		Short: "KuzuGate - Neo4j-style HTTP gateway for embedded Kuzu databases",
		Long: `KuzuGate exposes an embedded Kuzu graph database over a Neo4j-style
JSON query API.

Features:
  • Cypher query endpoint with validation and safety limits
  • Connection pooling with retry and automatic recovery
  • Graph/table/schema result translation for Neo4j clients
  • Crash diagnostics with persistent journal`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("KuzuGate v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve [database-path]",
		Short: "Start the gateway server",
		Long:  "Start the HTTP gateway against the Kuzu database at the given path",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("host", "", "Address to bind to")
	serveCmd.Flags().Int("port", 0, "HTTP API port")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate file")
	serveCmd.Flags().String("tls-key", "", "TLS private key file")
	serveCmd.Flags().String("crash-journal", "", "Directory for the persistent crash journal")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// Flags override config file and environment.
	if len(args) == 1 {
		cfg.Database.Path = args[0]
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Address, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("tls-cert") {
		cfg.Server.TLSCert, _ = cmd.Flags().GetString("tls-cert")
	}
	if cmd.Flags().Changed("tls-key") {
		cfg.Server.TLSKey, _ = cmd.Flags().GetString("tls-key")
	}
	if cmd.Flags().Changed("crash-journal") {
		cfg.Debug.CrashJournalDir, _ = cmd.Flags().GetString("crash-journal")
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database path required (argument, config file, or KUZUGATE_DB_PATH)")
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Info().
		Str("version", version).
		Str("config", cfg.String()).
		Msg("starting kuzugate")

	// Crash diagnostics, optionally persisted across restarts.
	tracker := crashlog.NewTracker(log)
	var journal *crashlog.Journal
	if cfg.Debug.CrashJournalDir != "" {
		journal, err = crashlog.OpenJournal(crashlog.JournalOptions{Dir: cfg.Debug.CrashJournalDir}, log)
		if err != nil {
			return fmt.Errorf("opening crash journal: %w", err)
		}
		tracker.SetJournal(journal)
	}

	driver := kuzu.NewDriver()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(driver, cfg.Database.Path, cfg.Pool, log)
	if err := p.Start(ctx); err != nil {
		return err
	}

	processor := query.NewProcessor(p, tracker, driver, cfg.Database.Path, log)

	srv, err := server.New(processor, p, tracker, &server.Config{
		Address:             cfg.Server.Address,
		Port:                cfg.Server.Port,
		DBPrefix:            cfg.Server.DBPrefix,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		IdleTimeout:         120 * time.Second,
		MaxRequestSize:      cfg.Server.MaxRequestSize,
		DefaultQueryTimeout: cfg.Query.DefaultTimeout,
		EnableCORS:          cfg.Server.CORSEnabled,
		TLSCertFile:         cfg.Server.TLSCert,
		TLSKeyFile:          cfg.Server.TLSKey,
	}, log)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		p.Stop()
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Drain HTTP first so in-flight queries finish against a live pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not drain cleanly")
	}

	p.Stop()

	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close crash journal")
		}
	}

	log.Info().Msg("shutdown complete")
	return nil
}
