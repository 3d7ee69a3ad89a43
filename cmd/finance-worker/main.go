package main

import (
	"context"
	"errors"
	"os"

	"collabverse/internal/amqp"
	"collabverse/internal/cli"
	"collabverse/internal/log"
	"collabverse/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentWorker)
	logger.Info("Starting finance-worker")

	if !cfg.EventsEnabled() {
		logger.Error("AMQP_URL is required for the finance worker")
		os.Exit(1)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, nil)

	auditWorker := worker.NewAuditWorker(amqpClient, logger)
	if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", "error", err)
		amqpClient.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	if err := amqpClient.Close(); err != nil {
		logger.Warn("AMQP close failed", "error", err)
	}
	logger.Info("finance-worker stopped")
}
