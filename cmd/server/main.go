// VulnZero machine broker server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/vulnzero/machines/internal/api"
	"github.com/vulnzero/machines/internal/catalog"
	"github.com/vulnzero/machines/internal/config"
	"github.com/vulnzero/machines/internal/container"
	"github.com/vulnzero/machines/internal/flags"
	"github.com/vulnzero/machines/internal/identity"
	"github.com/vulnzero/machines/internal/lifecycle"
	"github.com/vulnzero/machines/internal/metrics"
	"github.com/vulnzero/machines/internal/middleware"
	"github.com/vulnzero/machines/internal/ports"
	"github.com/vulnzero/machines/internal/session"
	"github.com/vulnzero/machines/internal/store"
	"github.com/vulnzero/machines/internal/stream"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		portFlag    string
		catalogFlag string
	)
	flagSet := pflag.NewFlagSet("vulnzero-machines", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&portFlag, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&catalogFlag, "catalog", "", "machine catalog YAML file (overrides CATALOG_PATH)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagSet.Changed("port") {
		cfg.Port = portFlag
	}
	if flagSet.Changed("catalog") {
		cfg.CatalogPath = catalogFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level.Set(cfg.LogLevel)

	slog.Info("Starting server",
		"port", cfg.Port,
		"max_sessions", cfg.Sessions.MaxSessions,
		"session_ttl", cfg.Sessions.TTL,
		"port_range", fmt.Sprintf("%d-%d", cfg.Ports.RangeStart, cfg.Ports.RangeEnd))

	// Initialize dependencies.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load machine catalog: %w", err)
	}
	slog.Info("Machine catalog loaded", "machines", len(cat.List()), "path", cfg.CatalogPath)

	var allocOpts []ports.Option
	if cfg.Ports.Probe {
		allocOpts = append(allocOpts, ports.WithProbe(ports.ListenProbe))
	}
	alloc, err := ports.NewAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, allocOpts...)
	if err != nil {
		return fmt.Errorf("create port allocator: %w", err)
	}

	runtime, err := container.NewDockerRuntime(cfg.ContainerRuntime, cfg.LabNetwork)
	if err != nil {
		return fmt.Errorf("initialize container runtime: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			slog.Error("Failed to close container runtime", "error", closeErr)
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Timeout.Runtime)
	defer cancelStartup()

	if err := runtime.Ping(startupCtx); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}
	networkID, err := runtime.EnsureNetwork(startupCtx)
	if err != nil {
		return fmt.Errorf("ensure lab network: %w", err)
	}
	slog.Info("Lab network ready", "network", cfg.LabNetwork, "network_id", networkID)

	// The registry starts empty, so every managed container is left over
	// from a previous process.
	orphans, err := runtime.RemoveOrphans(startupCtx)
	if err != nil {
		slog.Warn("Failed to sweep orphaned lab containers", "error", err)
	} else {
		slog.Info("Orphaned lab containers removed", "count", orphans)
	}

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close journal", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtx := metrics.New(reg)
	metrics.RegisterPortsInUse(reg, alloc.InUse)

	registry := session.NewRegistry(cfg.Sessions.MaxSessions)
	mgr, err := lifecycle.NewManager(lifecycle.Options{
		Catalog:        cat,
		Registry:       registry,
		Ports:          alloc,
		Runtime:        runtime,
		Journal:        journal,
		Metrics:        mtx,
		SessionTTL:     cfg.Sessions.TTL,
		RuntimeTimeout: cfg.Timeout.Runtime,
		AccessAddress:  cfg.AccessAddress,
		SSHUser:        cfg.SSHUser,
	})
	if err != nil {
		return fmt.Errorf("create lifecycle manager: %w", err)
	}

	validator := flags.NewValidator(flags.Options{
		Catalog:       cat,
		Journal:       journal,
		Metrics:       mtx,
		RatePerMinute: cfg.Flags.RatePerMinute,
		Burst:         cfg.Flags.Burst,
	})

	hub := stream.NewHub()
	mgr.OnTeardown(hub.CloseSession)
	metrics.RegisterStreamsOpen(reg, hub.Count)

	// Initialize handlers.
	statusStream := stream.NewHandler(mgr, hub, cfg.Sessions.StreamInterval, cfg.AllowedOrigins)
	machineHandler := api.NewMachineHandler(mgr, journal, statusStream)
	flagHandler := api.NewFlagHandler(validator)
	healthHandler := api.NewHealthHandler(mgr, runtime, journal, cfg.Timeout.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	api.RegisterMetrics(r, reg)
	machineHandler.RegisterRoutes(r)
	flagHandler.RegisterRoutes(r)

	// Status streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaperDone := lifecycle.StartReaper(ctx, mgr, cfg.Sessions.ReapInterval)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			<-reaperDone
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-reaperDone

	drained := mgr.Drain(shutdownCtx)
	slog.Info("Sessions drained", "count", drained)

	slog.Info("Server stopped successfully")
	return nil
}

// openJournal returns the SQLite history journal when configured, closing
// out rows left open by a previous process.
func openJournal(cfg *config.Config) (store.Repository, error) {
	if !cfg.HistoryEnabled() {
		slog.Info("Session history journal disabled")
		return store.Nop{}, nil
	}

	repo, err := store.NewSQLite(cfg.HistoryDBPath, cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("initialize history journal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	defer cancel()

	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("history journal health check failed: %w", err)
	}

	closed, err := repo.CloseOrphanedSessions(ctx, time.Now())
	if err != nil {
		slog.Warn("Failed to close orphaned history rows", "error", err)
	} else {
		slog.Info("History journal connected", "path", cfg.HistoryDBPath, "orphaned_rows_closed", closed)
	}
	return repo, nil
}
