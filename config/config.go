// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/deferq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the packet scheduler service.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// SchedulerConfig holds flow-control thresholds.
type SchedulerConfig struct {
	// Unconfirmed bytes a consumer may hold before it has to wait for a
	// confirmation.
	BytesPerConfirmation int `yaml:"bytes_per_confirmation"`

	// Unconfirmed bytes above which a consumer is reported as clogged.
	ClogThreshold int64 `yaml:"clog_threshold"`

	// Total enqueued bytes above which the worker dispatches regardless of
	// confirmation windows.
	OverCapacityBytes int64 `yaml:"over_capacity_bytes"`
}

// DeliveryConfig holds delivery worker settings.
type DeliveryConfig struct {
	TickInterval      time.Duration        `yaml:"tick_interval"`
	MaxPacketsPerTick int                  `yaml:"max_packets_per_tick"`
	Compression       string               `yaml:"compression"` // none, s2, zstd
	RateLimit         ratelimit.Config     `yaml:"rate_limit"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-consumer circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ServerConfig holds operational endpoints and telemetry settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SimulationConfig drives the in-process load simulation.
type SimulationConfig struct {
	Consumers        int           `yaml:"consumers"`
	SlowConsumers    int           `yaml:"slow_consumers"`
	PacketSize       int           `yaml:"packet_size"`
	PacketsPerSecond int           `yaml:"packets_per_second"`
	ConfirmLatency   time.Duration `yaml:"confirm_latency"`
	SlowLatency      time.Duration `yaml:"slow_latency"`
	Duration         time.Duration `yaml:"duration"` // 0 runs until interrupted
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			BytesPerConfirmation: 32 * 1024,
			ClogThreshold:        256 * 1024,
			OverCapacityBytes:    64 * 1024 * 1024,
		},
		Delivery: DeliveryConfig{
			TickInterval:      50 * time.Millisecond,
			MaxPacketsPerTick: 1024,
			Compression:       "none",
			RateLimit:         ratelimit.DefaultConfig(),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,

			OtelServiceName:     "deferq",
			OtelServiceVersion:  "0.1.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Simulation: SimulationConfig{
			Consumers:        8,
			SlowConsumers:    1,
			PacketSize:       512,
			PacketsPerSecond: 2000,
			ConfirmLatency:   20 * time.Millisecond,
			SlowLatency:      2 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Scheduler.BytesPerConfirmation < 1 {
		return fmt.Errorf("scheduler.bytes_per_confirmation must be at least 1")
	}
	if c.Scheduler.ClogThreshold < 1 {
		return fmt.Errorf("scheduler.clog_threshold must be at least 1")
	}
	if c.Scheduler.OverCapacityBytes < 1 {
		return fmt.Errorf("scheduler.over_capacity_bytes must be at least 1")
	}

	if c.Delivery.TickInterval < time.Millisecond {
		return fmt.Errorf("delivery.tick_interval must be at least 1ms")
	}
	if c.Delivery.MaxPacketsPerTick < 1 {
		return fmt.Errorf("delivery.max_packets_per_tick must be at least 1")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Delivery.Compression] {
		return fmt.Errorf("delivery.compression must be one of: none, s2, zstd")
	}
	if rl := c.Delivery.RateLimit; rl.Enabled {
		if rl.BytesPerSecond < 0 || rl.PerConsumerBytesPerSecond < 0 {
			return fmt.Errorf("delivery.rate_limit rates cannot be negative")
		}
		if rl.BytesPerSecond > 0 && rl.Burst < 1 {
			return fmt.Errorf("delivery.rate_limit.burst must be at least 1")
		}
		if rl.PerConsumerBytesPerSecond > 0 && rl.PerConsumerBurst < 1 {
			return fmt.Errorf("delivery.rate_limit.per_consumer_burst must be at least 1")
		}
	}
	if c.Delivery.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("delivery.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Delivery.CircuitBreaker.ResetTimeout < time.Millisecond {
		return fmt.Errorf("delivery.circuit_breaker.reset_timeout must be at least 1ms")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Simulation.Consumers < 0 || c.Simulation.SlowConsumers < 0 {
		return fmt.Errorf("simulation consumer counts cannot be negative")
	}
	if c.Simulation.SlowConsumers > c.Simulation.Consumers {
		return fmt.Errorf("simulation.slow_consumers cannot exceed simulation.consumers")
	}
	if c.Simulation.Consumers > 0 && c.Simulation.PacketSize < 1 {
		return fmt.Errorf("simulation.packet_size must be at least 1")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
