// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/genjipk/relay/alert"
	"github.com/genjipk/relay/api"
	"github.com/genjipk/relay/config"
	"github.com/genjipk/relay/consumer"
	"github.com/genjipk/relay/dlq"
	"github.com/genjipk/relay/events"
	"github.com/genjipk/relay/otel"
	"github.com/genjipk/relay/rabbit"
	"github.com/genjipk/relay/server/health"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting relay", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"broker_addr", cfg.Broker.Address,
		"sweep_interval", cfg.DLQ.SweepInterval,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"log_level", cfg.Log.Level)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry if enabled
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("Telemetry shutdown error", "error", err)
			}
		}()

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("Telemetry enabled", "otlp_endpoint", cfg.Server.MetricsAddr)
	}

	// Connect to the broker
	opts := rabbit.NewOptions().
		SetAddress(cfg.Broker.Address).
		SetCredentials(cfg.Broker.Username, cfg.Broker.Password).
		SetVhost(cfg.Broker.Vhost).
		SetDialTimeout(cfg.Broker.DialTimeout).
		SetHeartbeat(cfg.Broker.Heartbeat).
		SetPoolSizes(cfg.Broker.ConnectionPool, cfg.Broker.ChannelPool)

	client, err := rabbit.New(opts, logger)
	if err != nil {
		slog.Error("Failed to create broker client", "error", err)
		os.Exit(1)
	}
	if err := client.Connect(); err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	slog.Info("Connected to broker", "address", cfg.Broker.Address)

	// Backend bridge: idempotency claims and job-status reporting. Both are
	// optional: without a base URL the relay runs delivery-only.
	var backend *api.Client
	if cfg.API.BaseURL != "" {
		backend, err = api.NewClient(cfg.API, logger)
		if err != nil {
			slog.Error("Failed to create backend client", "error", err)
			os.Exit(1)
		}
		slog.Info("Backend bridge enabled", "base_url", cfg.API.BaseURL)
	} else {
		slog.Warn("Backend bridge disabled, idempotency claims and job reporting are off")
	}

	// Handler registry
	var claimer consumer.Claimer
	var reporter consumer.JobReporter
	if backend != nil {
		claimer = backend
		reporter = backend
	}
	registry := consumer.NewRegistry(cfg.Queues.BypassHeader, claimer, reporter, logger)
	for _, reg := range events.Registrations(&events.LogHandler{Logger: logger}) {
		registry.Register(reg)
	}

	// Consumer engine
	engine := consumer.NewEngine(
		func() (consumer.Channel, error) { return client.Channel() },
		registry,
		cfg.Queues.Prefetch,
		metrics,
		logger,
	)
	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start consumer engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	slog.Info("Consumer engine started", "queues", len(registry.Queues()))

	// Dead-letter sweeper, started after the engine so the queues exist.
	// Without a webhook URL there is nowhere to alert, so the sweep stays off
	// and dead-lettered messages wait for manual inspection.
	if cfg.Alert.WebhookURL != "" {
		notifier, err := alert.NewWebhook(cfg.Alert, logger)
		if err != nil {
			slog.Error("Failed to create alert notifier", "error", err)
			os.Exit(1)
		}

		sweeper := dlq.NewSweeper(
			dlq.Config{
				Interval:       cfg.DLQ.SweepInterval,
				MaxPerQueue:    cfg.DLQ.MaxPerQueue,
				NotifiedHeader: cfg.DLQ.NotifiedHeader,
			},
			func() (dlq.Channel, error) { return client.Channel() },
			registry.Queues,
			notifier,
			metrics,
			logger,
		)
		sweeper.Start(ctx)
		defer sweeper.Stop()
		slog.Info("Dead-letter sweeper started", "interval", cfg.DLQ.SweepInterval)
	} else {
		slog.Warn("Alert webhook not configured, dead-letter sweeper disabled")
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	// Start health server if enabled
	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, engine, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Relay started successfully")

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	engine.Close()
	slog.Info("Relay stopped")
}
