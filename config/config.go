// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	Broker Broker `yaml:"broker"`
	Queues Queues `yaml:"queues"`
	DLQ    DLQ    `yaml:"dlq"`
	API    API    `yaml:"api"`
	Alert  Alert  `yaml:"alert"`
	Server Server `yaml:"server"`
	Log    Log    `yaml:"log"`
}

// Broker holds AMQP broker connection settings.
type Broker struct {
	Address        string        `yaml:"address"` // host:port
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Vhost          string        `yaml:"vhost"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ConnectionPool int           `yaml:"connection_pool"` // concurrent TCP links
	ChannelPool    int           `yaml:"channel_pool"`    // pooled channels across connections
}

// Queues holds consumer engine settings.
type Queues struct {
	// Header that marks integration-test traffic. Messages carrying it are
	// acknowledged without invoking the handler.
	BypassHeader string `yaml:"bypass_header"`

	// Unacknowledged deliveries in flight per queue channel.
	Prefetch int `yaml:"prefetch"`
}

// DLQ holds dead-letter sweep settings.
type DLQ struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxPerQueue    int           `yaml:"max_per_queue"` // hard cap per queue per sweep
	NotifiedHeader string        `yaml:"notified_header"`
}

// API holds backend HTTP service settings.
type API struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`

	Breaker Breaker `yaml:"breaker"`

	// Job status polling
	PollInitialInterval time.Duration `yaml:"poll_initial_interval"`
	PollMaxInterval     time.Duration `yaml:"poll_max_interval"`
	PollBudget          time.Duration `yaml:"poll_budget"`
}

// Breaker holds circuit breaker settings for the API client.
type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Alert holds operator alerting settings.
type Alert struct {
	WebhookURL string        `yaml:"webhook_url"`
	ChannelID  string        `yaml:"channel_id"`
	MaxBody    int           `yaml:"max_body"` // alert body truncation in bytes
	Timeout    time.Duration `yaml:"timeout"`
}

// Server holds health and telemetry endpoint settings.
type Server struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// Log holds logging configuration.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Address:        "localhost:5672",
			Username:       "guest",
			Password:       "guest",
			Vhost:          "/",
			DialTimeout:    10 * time.Second,
			Heartbeat:      60 * time.Second,
			ConnectionPool: 2,
			ChannelPool:    10,
		},
		Queues: Queues{
			BypassHeader: "x-test-enabled",
			Prefetch:     1,
		},
		DLQ: DLQ{
			SweepInterval:  60 * time.Second,
			MaxPerQueue:    5000,
			NotifiedHeader: "dlq_notified",
		},
		API: API{
			Timeout: 10 * time.Second,
			Breaker: Breaker{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			PollInitialInterval: 100 * time.Millisecond,
			PollMaxInterval:     5 * time.Second,
			PollBudget:          20 * time.Second,
		},
		Alert: Alert{
			MaxBody: 1800,
			Timeout: 5 * time.Second,
		},
		Server: Server{
			HealthAddr:         ":8081",
			HealthEnabled:      true,
			ShutdownTimeout:    30 * time.Second,
			MetricsAddr:        "localhost:4317",
			MetricsEnabled:     false,
			OtelServiceName:    "genji-relay",
			OtelServiceVersion: "1.0.0",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment
// overrides. If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays the environment variables the deployment images set.
func (c *Config) applyEnv() {
	if v := os.Getenv("RABBITMQ_HOST"); v != "" {
		c.Broker.Address = v
	}
	if v := os.Getenv("RABBITMQ_DEFAULT_USER"); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv("RABBITMQ_DEFAULT_PASS"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("DLQ_HEADER_KEY"); v != "" {
		c.DLQ.NotifiedHeader = v
	}
	if v := os.Getenv("DLQ_PROCESS_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.DLQ.SweepInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DLQ_MAX_PER_QUEUE_TICK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DLQ.MaxPerQueue = n
		}
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alert.WebhookURL = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Address == "" {
		return fmt.Errorf("broker.address cannot be empty")
	}
	if c.Broker.ConnectionPool < 1 {
		return fmt.Errorf("broker.connection_pool must be at least 1")
	}
	if c.Broker.ChannelPool < c.Broker.ConnectionPool {
		return fmt.Errorf("broker.channel_pool must be at least broker.connection_pool")
	}
	if c.Broker.DialTimeout < time.Second {
		return fmt.Errorf("broker.dial_timeout must be at least 1 second")
	}

	if c.Queues.BypassHeader == "" {
		return fmt.Errorf("queues.bypass_header cannot be empty")
	}
	if c.Queues.Prefetch < 1 {
		return fmt.Errorf("queues.prefetch must be at least 1")
	}

	if c.DLQ.SweepInterval < time.Second {
		return fmt.Errorf("dlq.sweep_interval must be at least 1 second")
	}
	if c.DLQ.MaxPerQueue < 1 {
		return fmt.Errorf("dlq.max_per_queue must be at least 1")
	}
	if c.DLQ.NotifiedHeader == "" {
		return fmt.Errorf("dlq.notified_header cannot be empty")
	}

	if c.API.Timeout < time.Second {
		return fmt.Errorf("api.timeout must be at least 1 second")
	}
	if c.API.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("api.breaker.failure_threshold must be at least 1")
	}
	if c.API.PollInitialInterval <= 0 {
		return fmt.Errorf("api.poll_initial_interval must be positive")
	}
	if c.API.PollMaxInterval < c.API.PollInitialInterval {
		return fmt.Errorf("api.poll_max_interval must be at least api.poll_initial_interval")
	}
	if c.API.PollBudget < c.API.PollMaxInterval {
		return fmt.Errorf("api.poll_budget must be at least api.poll_max_interval")
	}

	if c.Alert.MaxBody < 1 {
		return fmt.Errorf("alert.max_body must be at least 1")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MetricsEnabled && c.Server.OtelServiceName == "" {
		return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
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
