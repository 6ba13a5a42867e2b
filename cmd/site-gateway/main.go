// Command site-gateway is the edge API gateway for the site: it mints
// upstream credentials, reshapes third-party APIs, and fronts slow origins
// with an edge cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/mpriddy/site-gateway/credentials"
	"github.com/mpriddy/site-gateway/credentials/opprovider"
	"github.com/mpriddy/site-gateway/server"
	"github.com/mpriddy/site-gateway/telemetry"
)

var cli struct {
	Address       string        `help:"Address to listen on." default:":8080" env:"GATEWAY_ADDRESS"`
	SecretsFile   string        `help:"Path to the secrets template file." required:"" env:"GATEWAY_SECRETS_FILE"`
	CachePath     string        `help:"Path to the edge cache database. Empty keeps the cache in memory." env:"GATEWAY_CACHE_PATH"`
	SweepInterval time.Duration `help:"How often expired cache entries are purged." default:"1h" env:"GATEWAY_SWEEP_INTERVAL"`
	AdminToken    string        `help:"Bearer token protecting the stats and metrics endpoints." env:"GATEWAY_ADMIN_TOKEN"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"GATEWAY_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"GATEWAY_LOG_FORMAT"`

	MetricsPrometheus bool   `help:"Serve Prometheus metrics on /metrics." env:"GATEWAY_METRICS_PROMETHEUS"`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metric export." env:"GATEWAY_METRICS_OTLP"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

var version = "dev"

func main() {
	kong.Parse(&cli,
		kong.Name("site-gateway"),
		kong.Description("Edge API gateway for the site."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve secrets from the template file. Template functions can pull
	// from the environment, files, or the 1Password CLI.
	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	secrets, err := resolver.ResolveFile(ctx, cli.SecretsFile)
	if err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	if err := secrets.Validate(); err != nil {
		return err
	}

	// Metrics are optional; when neither exporter is configured the
	// instruments stay inert.
	if cli.MetricsPrometheus || cli.MetricsOTLP != "" {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "site-gateway",
			ServiceVersion:   version,
			OTLPEndpoint:     cli.MetricsOTLP,
			EnablePrometheus: cli.MetricsPrometheus,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownMetrics(flushCtx); err != nil {
				logger.Error("metrics shutdown failed", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Address:            cli.Address,
		ServiceIdentity:    secrets.ServiceIdentity,
		SigningKeyPEM:      secrets.SigningKeyPEM,
		ProjectID:          secrets.ProjectID,
		RepoHostToken:      secrets.RepoHostToken,
		RestrictedOrigins:  secrets.RestrictedOrigins,
		CachePath:          cli.CachePath,
		CacheSweepInterval: cli.SweepInterval,
		AdminToken:         cli.AdminToken,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started", "address", srv.Address())

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown; pending cache writes are flushed here.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}

	return slog.New(handler), nil
}
