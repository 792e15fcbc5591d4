package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/mvesched/internal/config"
	"github.com/me/mvesched/internal/logging"
	"github.com/me/mvesched/internal/server"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/internal/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	dbPath := flag.String("db", "", "Trace database path (overrides server.db_path, default ~/.mvesched/mvesched.db)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	noStore := flag.Bool("no-store", false, "Run without a trace database; disables /runs")

	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	// Build the simulated accelerator. The tap lets runs started over the
	// API record the scheduler's events.
	tap := &trace.Tap{}
	machine, err := sim.NewMachine(cfg.SimConfig(), logger, tap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create machine: %v\n", err)
		os.Exit(1)
	}

	serverOpts := []server.Option{server.WithTraceOptions(cfg.TraceOptions())}
	if !*noStore {
		path, err := resolveDBPath(cfg.Server.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		st, err := store.NewSQLiteStore(path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
			os.Exit(1)
		}
		logger.Info("database ready", "path", path)
		serverOpts = append(serverOpts, server.WithStore(st))
	}

	srv := server.New(cfg.Server, machine, tap, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine.Start(ctx)
	logger.Info("machine started",
		"slots", cfg.Hardware.Slots, "cores", cfg.Hardware.Cores, "version", fmt.Sprintf("%#x", cfg.Hardware.Version))

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	// Stop any run, then take every session off the hardware before the
	// machine goes away.
	srv.Close()
	if err := machine.Scheduler.Suspend(shutdownCtx); err != nil {
		logger.Warn("suspend before shutdown", "error", err)
	}
	if err := machine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// resolveDBPath returns path, or the default database under the home
// directory when path is empty.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mvesched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "mvesched.db"), nil
}
