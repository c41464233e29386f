// Copyright (c) Abstract Machines
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

	"github.com/absmach/deferq/config"
	"github.com/absmach/deferq/delivery"
	"github.com/absmach/deferq/loopback"
	"github.com/absmach/deferq/packet"
	"github.com/absmach/deferq/ratelimit"
	"github.com/absmach/deferq/scheduler"
	"github.com/absmach/deferq/server/health"
	"github.com/absmach/deferq/server/otel"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting deferq simulation",
		"instance_id", instanceID,
		"consumers", cfg.Simulation.Consumers,
		"slow_consumers", cfg.Simulation.SlowConsumers,
		"packets_per_second", cfg.Simulation.PacketsPerSecond,
		"compression", cfg.Delivery.Compression,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Simulation.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Simulation.Duration)
		defer cancel()
	}

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shut down OpenTelemetry", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(
		scheduler.Config{ClogThreshold: cfg.Scheduler.ClogThreshold},
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}

	compression, err := packet.ParseCompression(cfg.Delivery.Compression)
	if err != nil {
		slog.Error("Invalid compression", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewManager(cfg.Delivery.RateLimit)
	defer limiter.Stop()

	transport := loopback.New(sched.OnConfirmation,
		loopback.WithLogger(logger),
		loopback.WithCompression(compression))
	defer transport.Close()

	worker, err := delivery.New(sched, transport, deliveryConfig(cfg),
		delivery.WithLogger(logger),
		delivery.WithMetrics(metrics),
		delivery.WithRateLimiter(limiter),
		delivery.WithTracerProvider(oteltrace.GetTracerProvider()),
		delivery.WithClogHandler(func(id uuid.UUID) {
			logger.Info("Pausing production for clogged consumer", slog.String("consumer_id", id.String()))
		}),
	)
	if err != nil {
		slog.Error("Failed to create delivery worker", "error", err)
		os.Exit(1)
	}
	worker.Start(ctx)
	defer worker.Stop()

	sim, err := newSimulation(cfg.Simulation, sched, transport, worker, compression, logger)
	if err != nil {
		slog.Error("Failed to start simulation", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sim.run(ctx)
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sched, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if *configFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, *configFile, logger, func(next *config.Config) {
				applyReload(next, sched, worker, limiter, logger)
			})
			if err != nil {
				slog.Warn("Config hot reload disabled", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	case <-ctx.Done():
		slog.Info("Simulation finished", "duration", cfg.Simulation.Duration)
	}
	cancel()

	wg.Wait()
	worker.Stop()

	st := sched.Stats(false)
	slog.Info("deferq stopped",
		"consumers", st.Consumers,
		"bytes_enqueued", st.TotalBytesEnqueued,
		"clogged", st.Clogged)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func deliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		TickInterval:      cfg.Delivery.TickInterval,
		MaxPacketsPerTick: cfg.Delivery.MaxPacketsPerTick,
		Limits:            limits(cfg),
		FailureThreshold:  cfg.Delivery.CircuitBreaker.FailureThreshold,
		ResetTimeout:      cfg.Delivery.CircuitBreaker.ResetTimeout,
	}
}

func limits(cfg *config.Config) delivery.Limits {
	return delivery.Limits{
		BytesPerConfirmation: cfg.Scheduler.BytesPerConfirmation,
		OverCapacityBytes:    cfg.Scheduler.OverCapacityBytes,
	}
}

// applyReload updates the settings that can change at runtime. Tick
// interval, compression and the simulation shape need a restart. Nothing is
// applied unless every value is valid.
func applyReload(cfg *config.Config, sched *scheduler.Scheduler, w *delivery.Worker, limiter *ratelimit.Manager, logger *slog.Logger) {
	l := limits(cfg)
	if err := l.Validate(); err != nil {
		logger.Warn("Rejected reloaded delivery limits", slog.String("error", err.Error()))
		return
	}
	if err := (scheduler.Config{ClogThreshold: cfg.Scheduler.ClogThreshold}).Validate(); err != nil {
		logger.Warn("Rejected reloaded clog threshold", slog.String("error", err.Error()))
		return
	}

	if err := sched.SetClogThreshold(cfg.Scheduler.ClogThreshold); err != nil {
		logger.Warn("Failed to apply clog threshold", slog.String("error", err.Error()))
		return
	}
	if err := w.SetLimits(l); err != nil {
		logger.Warn("Failed to apply delivery limits", slog.String("error", err.Error()))
		return
	}

	rl := cfg.Delivery.RateLimit
	limiter.SetGlobalRate(rl.BytesPerSecond, rl.Burst)
	limiter.SetConsumerRate(rl.PerConsumerBytesPerSecond, rl.PerConsumerBurst)

	logger.Info("Configuration reloaded",
		slog.Int("bytes_per_confirmation", cfg.Scheduler.BytesPerConfirmation),
		slog.Int64("clog_threshold", cfg.Scheduler.ClogThreshold),
		slog.Int64("over_capacity_bytes", cfg.Scheduler.OverCapacityBytes))
}
