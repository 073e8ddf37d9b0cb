// Package main is the entry point for the avanlb network load balancer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avanlb/internal/access"
	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/health"
	"github.com/vyrodovalexey/avanlb/internal/observability"
	"github.com/vyrodovalexey/avanlb/internal/peer"
	"github.com/vyrodovalexey/avanlb/internal/scheduler"
	"github.com/vyrodovalexey/avanlb/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownGrace bounds the drain of in-flight connections on exit.
const shutdownGrace = 15 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avanlb",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("strategy", cfg.Balancer.Strategy),
		observability.Int("peers", len(cfg.Peers)),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", observability.Error(err))
	}
}

// parseFlags parses command line flags with environment fallbacks.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AVANLB_CONFIG_PATH", "configs/balancer.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv("AVANLB_LOG_LEVEL"),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("AVANLB_LOG_FORMAT"),
		"Log format override (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avanlb version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the logger from configuration, with CLI overrides
// taking precedence.
func initLogger(flags cliFlags, cfg config.Logging) observability.Logger {
	logCfg := observability.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// run wires the components and serves until a termination signal.
func run(cfg *config.Config, logger observability.Logger) error {
	registry, err := peer.NewRegistry(cfg.Peers, cfg.HealthCheck.FailedRequestThreshold)
	if err != nil {
		return err
	}

	var origin *peer.Location
	if len(cfg.Balancer.Location) == 2 {
		origin = &peer.Location{
			Latitude:  cfg.Balancer.Location[0],
			Longitude: cfg.Balancer.Location[1],
		}
	}

	selector, err := scheduler.New(cfg.Balancer.Strategy, origin)
	if err != nil {
		return err
	}

	filter, err := access.NewFilter(cfg.Security.IPWhitelist, cfg.Security.IPBlacklist,
		access.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := health.NewMonitor(registry, cfg.HealthCheck, health.WithLogger(logger))
	monitor.Start(ctx)
	defer monitor.Stop()

	srv := server.New(cfg.Balancer, registry, selector, filter, server.WithLogger(logger))
	if err := srv.Start(ctx); err != nil {
		return err
	}

	metricsSrv := startMetrics(cfg.Metrics, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", observability.String("signal", sig.String()))
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()

	if err := srv.Stop(drainCtx); err != nil {
		logger.Warn("shutdown drain incomplete", observability.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(drainCtx)
	}

	logger.Info("stopped")
	return nil
}

// startMetrics serves Prometheus metrics on a dedicated listener when
// configured. The proxy data path never serves metrics.
func startMetrics(cfg config.Metrics, logger observability.Logger) *http.Server {
	if cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", observability.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", observability.Error(err))
		}
	}()

	return srv
}

// getEnvOrDefault returns the environment value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
