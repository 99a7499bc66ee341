// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Broker defaults
	if cfg.Broker.Address != "localhost:5672" {
		t.Errorf("expected default broker address localhost:5672, got %s", cfg.Broker.Address)
	}
	if cfg.Broker.ConnectionPool != 2 {
		t.Errorf("expected connection pool 2, got %d", cfg.Broker.ConnectionPool)
	}
	if cfg.Broker.ChannelPool != 10 {
		t.Errorf("expected channel pool 10, got %d", cfg.Broker.ChannelPool)
	}

	// Consumer defaults
	if cfg.Queues.BypassHeader != "x-test-enabled" {
		t.Errorf("expected bypass header x-test-enabled, got %s", cfg.Queues.BypassHeader)
	}
	if cfg.Queues.Prefetch != 1 {
		t.Errorf("expected prefetch 1, got %d", cfg.Queues.Prefetch)
	}

	// DLQ defaults
	if cfg.DLQ.SweepInterval != 60*time.Second {
		t.Errorf("expected sweep interval 60s, got %v", cfg.DLQ.SweepInterval)
	}
	if cfg.DLQ.MaxPerQueue != 5000 {
		t.Errorf("expected max per queue 5000, got %d", cfg.DLQ.MaxPerQueue)
	}
	if cfg.DLQ.NotifiedHeader != "dlq_notified" {
		t.Errorf("expected notified header dlq_notified, got %s", cfg.DLQ.NotifiedHeader)
	}

	// Poll defaults
	if cfg.API.PollInitialInterval != 100*time.Millisecond {
		t.Errorf("expected poll initial interval 100ms, got %v", cfg.API.PollInitialInterval)
	}
	if cfg.API.PollBudget != 20*time.Second {
		t.Errorf("expected poll budget 20s, got %v", cfg.API.PollBudget)
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty broker address",
			modify: func(c *Config) {
				c.Broker.Address = ""
			},
			wantErr: true,
		},
		{
			name: "channel pool smaller than connection pool",
			modify: func(c *Config) {
				c.Broker.ConnectionPool = 4
				c.Broker.ChannelPool = 2
			},
			wantErr: true,
		},
		{
			name: "empty bypass header",
			modify: func(c *Config) {
				c.Queues.BypassHeader = ""
			},
			wantErr: true,
		},
		{
			name: "sweep interval too short",
			modify: func(c *Config) {
				c.DLQ.SweepInterval = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "zero dead-letter cap",
			modify: func(c *Config) {
				c.DLQ.MaxPerQueue = 0
			},
			wantErr: true,
		},
		{
			name: "poll max below poll initial",
			modify: func(c *Config) {
				c.API.PollInitialInterval = 10 * time.Second
				c.API.PollMaxInterval = time.Second
			},
			wantErr: true,
		},
		{
			name: "poll budget below poll max",
			modify: func(c *Config) {
				c.API.PollBudget = time.Second
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "health enabled without address",
			modify: func(c *Config) {
				c.Server.HealthEnabled = true
				c.Server.HealthAddr = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load() with missing file should fall back to defaults, got error: %v", err)
	}
	if cfg.Broker.Address != "localhost:5672" {
		t.Errorf("expected default broker address, got %s", cfg.Broker.Address)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	original := Default()
	original.Broker.Address = "rabbit.internal:5672"
	original.DLQ.MaxPerQueue = 100
	original.Log.Format = "json"

	if err := original.Save(file); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loaded.Broker.Address != "rabbit.internal:5672" {
		t.Errorf("expected broker address rabbit.internal:5672, got %s", loaded.Broker.Address)
	}
	if loaded.DLQ.MaxPerQueue != 100 {
		t.Errorf("expected max per queue 100, got %d", loaded.DLQ.MaxPerQueue)
	}
	if loaded.Log.Format != "json" {
		t.Errorf("expected log format json, got %s", loaded.Log.Format)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RABBITMQ_HOST", "rabbit.env:5672")
	t.Setenv("DLQ_PROCESS_INTERVAL", "120")
	t.Setenv("DLQ_MAX_PER_QUEUE_TICK", "250")
	t.Setenv("API_BASE_URL", "http://backend.env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Broker.Address != "rabbit.env:5672" {
		t.Errorf("expected env broker address, got %s", cfg.Broker.Address)
	}
	if cfg.DLQ.SweepInterval != 120*time.Second {
		t.Errorf("expected env sweep interval 120s, got %v", cfg.DLQ.SweepInterval)
	}
	if cfg.DLQ.MaxPerQueue != 250 {
		t.Errorf("expected env max per queue 250, got %d", cfg.DLQ.MaxPerQueue)
	}
	if cfg.API.BaseURL != "http://backend.env" {
		t.Errorf("expected env API base URL, got %s", cfg.API.BaseURL)
	}
}
