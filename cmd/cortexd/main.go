package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/cortex/config"
	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/events"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/graphsync"
	"github.com/aschepis/backscratcher/cortex/httpapi"
	cortexlogger "github.com/aschepis/backscratcher/cortex/logger"
	cortexmcp "github.com/aschepis/backscratcher/cortex/mcp"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/aschepis/backscratcher/cortex/migrations"
	"github.com/aschepis/backscratcher/cortex/runtime"
	"github.com/aschepis/backscratcher/cortex/server"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultSocketPath = "/tmp/cortexd.sock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command-line flags
	var (
		socketPath = flag.String("socket", defaultSocketPath, "Unix socket path for gRPC server")
		tcpAddress = flag.String("tcp", "", "TCP address to listen on (e.g., localhost:50051). If set, disables Unix socket")
		httpAddr   = flag.String("http", "", "HTTP API address (e.g., :8080). Overrides server.http in the config")
		stdioMCP   = flag.Bool("mcp-stdio", false, "Serve MCP tools on stdin/stdout instead of starting listeners")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath     = flag.String("db", "", "Path to SQLite database file. Overrides database in the config")
	)
	flag.Parse()

	// Validate that --logfile and --pretty are mutually exclusive
	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	// stdout carries the MCP stream
	if *stdioMCP && *logFile == "" {
		*logFile = cortexlogger.DefaultFile
	}

	logger, err := cortexlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Load server configuration
	configPath := config.GetServerConfigPath()
	appConfig, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load server configuration: %w", err)
	}
	logger.Info().Str("path", configPath).Msg("Loaded server configuration")

	// Command line flags override config
	if *socketPath != defaultSocketPath {
		appConfig.Server.Socket = *socketPath
	}
	if *tcpAddress != "" {
		appConfig.Server.TCP = *tcpAddress
	}
	if *httpAddr != "" {
		appConfig.Server.HTTP = *httpAddr
	}
	if *dbPath != "" {
		appConfig.Database = *dbPath
	}

	logger.Info().
		Str("socket", appConfig.Server.Socket).
		Str("tcp", appConfig.Server.TCP).
		Str("http", appConfig.Server.HTTP).
		Str("db", appConfig.Database).
		Str("tenant", appConfig.Tenant).
		Msg("cortexd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---------------------------
	// 1. Open SQLite, Event Bus + Metrics
	// ---------------------------

	logger.Info().Str("path", appConfig.Database).Msg("Initializing database")
	db, err := migrations.Open(appConfig.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	bus := events.NewBus(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// ---------------------------
	// 2. Upstream Models
	// ---------------------------

	upstreams, err := config.NewUpstreams(appConfig, m, logger)
	if err != nil {
		return fmt.Errorf("failed to configure upstreams: %w", err)
	}
	factOpts := []facts.Option{facts.WithConfig(appConfig.RevisionConfig())}
	if upstreams.Resolver != nil {
		factOpts = append(factOpts, facts.WithResolver(upstreams.Resolver))
	}

	// ---------------------------
	// 3. Stores + Cortex Service
	// ---------------------------

	stores := cortex.OpenStores(db, bus, upstreams.Embedder, logger, factOpts...)
	opts := []cortex.Option{cortex.WithMetrics(m)}
	if upstreams.Extractor != nil {
		opts = append(opts, cortex.WithExtractor(upstreams.Extractor))
	}
	if upstreams.Summarizer != nil {
		opts = append(opts, cortex.WithSummarizer(upstreams.Summarizer))
	}
	svc := cortex.New(stores, bus, cortex.Config{
		Tenant:         core.TenantID(appConfig.Tenant),
		RecallLimit:    appConfig.Recall.Limit,
		RecallCacheTTL: appConfig.RecallCacheTTL(),
		SummarizeOver:  appConfig.Recall.SummarizeOver,
	}, logger, opts...)
	defer svc.Close()

	if *stdioMCP {
		logger.Info().Msg("Serving MCP tools on stdio")
		return cortexmcp.ServeStdio(cortexmcp.NewServer(svc, logger))
	}

	// ---------------------------
	// 4. Graph Sync
	// ---------------------------

	scheduler := runtime.NewScheduler(m, logger)

	outbox := graphsync.NewOutbox(db, nil, logger)
	if !appConfig.GraphSync.Disabled {
		bus.Subscribe("graph_outbox", outbox.Handler())

		sink, closeSink, err := openGraphSink(ctx, appConfig)
		if err != nil {
			return fmt.Errorf("failed to open graph sink: %w", err)
		}
		defer closeSink()

		worker := graphsync.NewWorker(outbox, sink, workerConfig(appConfig), m, logger)
		if err := scheduler.Add(runtime.GraphDrainJob(appConfig.GraphSync.Schedule, worker)); err != nil {
			return fmt.Errorf("failed to schedule graph sync: %w", err)
		}
		retain := time.Duration(appConfig.GraphSync.RetainSyncedHours) * time.Hour
		if err := scheduler.Add(runtime.OutboxRetentionJob("@hourly", outbox, retain, logger)); err != nil {
			return fmt.Errorf("failed to schedule outbox retention: %w", err)
		}
		logger.Info().Str("sink", appConfig.GraphSync.Sink).Str("schedule", appConfig.GraphSync.Schedule).Msg("Graph sync enabled")
	} else {
		logger.Info().Msg("Graph sync is disabled")
	}

	// ---------------------------
	// 5. Governance
	// ---------------------------

	if !appConfig.Governance.Disabled {
		engine := newGovernanceEngine(db, stores, m, logger)
		if err := scheduler.Add(runtime.GovernanceJob(appConfig.Governance.Schedule, engine, logger)); err != nil {
			return fmt.Errorf("failed to schedule governance: %w", err)
		}
		if path := appConfig.Governance.PolicyFile; path != "" {
			go func() {
				if err := engine.WatchPolicyFile(ctx, path); err != nil {
					logger.Error().Err(err).Str("path", path).Msg("Policy file watch stopped")
				}
			}()
		}
		logger.Info().Str("schedule", appConfig.Governance.Schedule).Msg("Governance enabled")
	} else {
		logger.Info().Msg("Governance is disabled")
	}

	// ---------------------------
	// 6. Cross-Instance Events
	// ---------------------------

	if appConfig.Events.RedisURL != "" {
		closeRelay, err := startRelay(ctx, appConfig, bus, logger)
		if err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
		defer closeRelay()
	}

	// ---------------------------
	// 7. Start Background Scheduler
	// ---------------------------

	go scheduler.Run(ctx)
	logger.Info().Msg("Background scheduler started")

	// ---------------------------
	// 8. Create and Start Servers
	// ---------------------------

	srv := server.New(server.Config{
		SocketPath: appConfig.Server.Socket,
		Logger:     logger,
		Outbox:     outbox,
	}, svc)

	serverErr := make(chan error, 2)
	go func() {
		var err error
		if addr := appConfig.Server.TCP; addr != "" {
			logger.Info().Str("address", addr).Msg("Starting gRPC server on TCP")
			err = srv.ServeTCP(addr)
		} else {
			sockPath := socketOf(appConfig)
			// Remove existing socket file if it exists
			if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("socket", sockPath).Msg("Failed to remove existing socket file")
			}
			logger.Info().Str("socket", sockPath).Msg("Starting gRPC server on Unix socket")
			err = srv.ServeUnix(sockPath)
		}
		serverErr <- err
	}()

	var app *fiber.App
	if addr := appConfig.Server.HTTP; addr != "" {
		app = httpapi.New(httpapi.Config{Logger: logger, Registry: registry}, svc)
		if appConfig.Server.MCP {
			app.All("/mcp", adaptor.HTTPHandler(cortexmcp.HTTPHandler(cortexmcp.NewServer(svc, logger))))
			logger.Info().Msg("MCP tools served on /mcp")
		}
		go func() {
			logger.Info().Str("address", addr).Msg("Starting HTTP server")
			serverErr <- app.Listen(addr)
		}()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	cancel()
	if app != nil {
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	srv.GracefulStop()

	// Cleanup socket file on shutdown
	if appConfig.Server.TCP == "" {
		sockPath := socketOf(appConfig)
		if err := os.Remove(sockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("socket", sockPath).Msg("Failed to remove socket file on shutdown")
		}
	}

	logger.Info().Msg("cortexd shutdown complete")
	return runErr
}

func socketOf(cfg *config.ServerConfig) string {
	if cfg.Server.Socket != "" {
		return cfg.Server.Socket
	}
	return defaultSocketPath
}
