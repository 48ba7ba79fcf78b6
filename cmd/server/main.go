// Package main is the entry point for the relay gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/relay/internal/api"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/dispatch"
	"github.com/modelrelay/relay/internal/health"
	"github.com/modelrelay/relay/internal/healthcheck"
	"github.com/modelrelay/relay/internal/observability"
	"github.com/modelrelay/relay/internal/quota"
	"github.com/modelrelay/relay/internal/registry"
	"github.com/modelrelay/relay/internal/resolver"
	"github.com/modelrelay/relay/internal/transport"
)

func main() {
	configPath := flag.String("config", "config/relay.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)
	logger.Info("starting relay gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	// Shared state: Redis when configured, in-memory otherwise.
	var (
		healthStore health.Store
		quotaStore  quota.Store
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		healthStore = health.NewRedisStore(client, cfg.HealthConfig())
		quotaStore = quota.NewRedisStore(client)
		logger.Info("using redis-backed shared state", "addr", cfg.Redis.Addr)
	} else {
		healthStore = health.NewMemoryStore(cfg.HealthConfig())
		quotaStore = quota.NewMemoryStore()
		logger.Warn("redis not configured, health and quota state is instance-local")
	}

	// Model catalog and provider transports; both are refreshed on
	// config reload.
	reg := registry.New()
	reg.Replace(cfg.RegistrySnapshot())
	transports := transport.NewRegistry()
	transports.Replace(buildTransports(cfg, logger))
	admitter := quota.NewController(quotaStore, cfg.QuotaWindows())

	cfgManager.OnChange(func(c *config.Config) {
		reg.Replace(c.RegistrySnapshot())
		transports.Replace(buildTransports(c, logger))
		admitter.ReplaceWindows(c.QuotaWindows())
		if store, ok := healthStore.(interface{ Reconfigure(health.Config) }); ok {
			store.Reconfigure(c.HealthConfig())
		}
		logger.Info("runtime configuration replaced",
			"models", len(c.Models),
			"providers", len(c.Providers),
			"aliases", len(c.Aliases),
			"tenants", len(c.Tenants))
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfgManager.Close()

	prober := healthcheck.NewProber(healthcheck.Config{
		Enabled:  cfg.Health.ProbeEnabled,
		Interval: cfg.Health.ProbeInterval,
		Timeout:  cfg.Health.ProbeTimeout,
	}, reg, transports, healthStore, logger)
	prober.Start(ctx)

	engine := dispatch.New(dispatch.Config{
		Resolver:   resolver.New(reg, healthStore, logger),
		Health:     healthStore,
		Admitter:   admitter,
		Transports: transports,
		Sink:       dispatch.NewLogSink(logger),
		Logger:     logger,
	})

	handler := api.NewHandler(engine, reg, healthStore, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// buildTransports constructs one retrying HTTP transport per configured
// provider. Rebuilt wholesale on config reload so base URLs, credentials,
// and retry tuning all follow the file.
func buildTransports(cfg *config.Config, logger *slog.Logger) []transport.Transport {
	retryCfg := transport.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		Backoff:    cfg.Retry.Backoff,
		MaxBackoff: cfg.Retry.MaxBackoff,
	}
	out := make([]transport.Transport, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		t := transport.NewHTTPTransport(p.Name, transport.HTTPConfig{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Timeout: p.Timeout,
			Headers: p.Headers,
		}, nil)
		out = append(out, transport.NewRetryingTransport(t, retryCfg, logger))
	}
	return out
}
