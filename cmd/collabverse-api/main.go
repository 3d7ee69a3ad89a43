package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"collabverse/internal/amqp"
	"collabverse/internal/backend"
	"collabverse/internal/cli"
	apphttp "collabverse/internal/http"
	"collabverse/internal/log"
	"collabverse/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentApp)

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), backendConfig)
	if err != nil {
		logger.Error("Failed to create backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	opts := apphttp.Options{
		Logger:             logger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}
	if pinger, ok := result.Backend.(backend.Pinger); ok {
		opts.Ready = pinger
	}

	var amqpClient *amqp.Client
	if cfg.EventsEnabled() {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		opts.Events = amqpClient
		logger.Info("Audit events enabled", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	} else {
		logger.Info("Audit events disabled - no AMQP_URL provided")
	}

	srv := apphttp.NewServer(":"+cfg.Port, services.NewFinanceService(result.Backend), opts)

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		logger.Info("Request totals", "metrics", srv.Metrics())
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close failed", "error", err)
			}
		}
		if result.Cleanup != nil {
			if err := result.Cleanup(); err != nil {
				logger.Warn("Backend cleanup failed", "error", err)
			}
		}
	})

	go func() {
		logger.Info("Starting collabverse-api", "port", cfg.Port, "backend", cfg.DataBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err, "port", cfg.Port)
			os.Exit(1)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
