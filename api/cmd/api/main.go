package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/askdata/agent/pkg/chart"
	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/generation"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/agent/pkg/runlog"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
	"github.com/malbeclabs/askdata/api/config"
	"github.com/malbeclabs/askdata/api/handlers"
	"github.com/malbeclabs/askdata/api/mcpserver"
	"github.com/malbeclabs/askdata/api/metrics"
	"github.com/malbeclabs/askdata/utils/pkg/cache"
	"github.com/malbeclabs/askdata/utils/pkg/logger"
	"github.com/malbeclabs/askdata/warehouse/pkg/clickhouse"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8000"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to serve the HTTP API on")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "", "Log format: 'text' or 'json' (or set LOG_FORMAT env var)")
	envFileFlag := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server on localhost:6060")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}
	if *logFormatFlag == "" {
		*logFormatFlag = os.Getenv("LOG_FORMAT")
	}
	log := logger.NewWithFormat(os.Stdout, logger.ParseFormat(*logFormatFlag), *verboseFlag)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", cfg.SentryEnvironment)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := clickhouse.Open(ctx, log, cfg.ClickHouse)
	if err != nil {
		return err
	}
	defer conn.Close()
	wh := clickhouse.NewWarehouse(log, conn, cfg.Project)

	schemas, err := schema.NewProvider(schema.Config{
		Logger:    log,
		Warehouse: wh,
		Cache:     cache.New[string, schema.Entry](cfg.SchemaCacheMax),
		Fact:      cfg.FactTable(),
	})
	if err != nil {
		return fmt.Errorf("failed to create schema provider: %w", err)
	}

	dims, err := dimensions.NewRegistry(dimensions.Config{
		Logger:        log,
		Schemas:       schemas,
		Project:       cfg.Project,
		Dataset:       cfg.DimDataset,
		Definitions:   cfg.DimensionDefinitions(),
		Relationships: dimensions.DefaultRelationships(),
		Results:       cache.New[string, dimensions.Result](dimensions.DefaultResultSize),
		NotFound:      cache.New[string, struct{}](cfg.NotFoundCacheMax),
	})
	if err != nil {
		return fmt.Errorf("failed to create dimension registry: %w", err)
	}

	newGenerator := func(name string) generation.Generator {
		if !cfg.GenerationEnabled() {
			return generation.NewUnconfigured(name)
		}
		return generation.NewAnthropicGenerator(log, cfg.AnthropicAPIKey, cfg.AnthropicModel, name)
	}
	if !cfg.GenerationEnabled() {
		log.Warn("ANTHROPIC_API_KEY is not set, questions will fail until it is configured")
	}

	sqlGen, err := generation.NewClient(generation.Config{
		Logger:    log,
		Generator: newGenerator("sql"),
		Fact:      cfg.FactTable(),
		Timeout:   cfg.GenerationTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}

	charts, err := chart.NewRecommender(chart.Config{
		Logger:    log,
		Generator: newGenerator("chart"),
	})
	if err != nil {
		return fmt.Errorf("failed to create chart recommender: %w", err)
	}

	exec, err := executor.New(executor.Config{
		Logger:    log,
		Warehouse: wh,
		Timeout:   cfg.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	runs := runlog.NewSink(cfg.MetricsMaxRecords, nil)
	orchestrator, err := pipeline.New(pipeline.Config{
		Logger:        log,
		Schemas:       schemas,
		Dimensions:    dims,
		Generator:     sqlGen,
		Executor:      exec,
		Charts:        charts,
		RunLog:        runs,
		MaxRetries:    cfg.GenerationMaxRetries,
		MaxRows:       cfg.QueryMaxRows,
		ChartRowLimit: cfg.ChartMaxRows,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	h, err := handlers.New(handlers.Config{
		Logger:          log,
		Pipeline:        orchestrator,
		Schemas:         schemas,
		Dimensions:      dims,
		RunLog:          runs,
		Warehouse:       wh,
		GenerationReady: cfg.GenerationEnabled(),
	})
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	mcpServer, err := mcpserver.New(mcpserver.Config{
		Logger:   log,
		Version:  version,
		Pipeline: orchestrator,
		Schemas:  schemas,
		Stats:    h,
	})
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	adminLimiter := handlers.PerMinute(cfg.AdminRateLimit)
	adminLimiter.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Register(r, handlers.RateLimitMiddleware(adminLimiter))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/mcp", mcpServer.Handler())

	server := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("api: listening", "addr", *listenAddrFlag, "version", version, "fact_table", cfg.FactTable().String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("api: shutting down", "reason", ctx.Err(), "timeout", *shutdownTimeoutFlag)
	case err := <-serveErrCh:
		return fmt.Errorf("failed to serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("api: shutdown incomplete", "error", err)
		return err
	}
	log.Info("api: stopped")
	return nil
}
