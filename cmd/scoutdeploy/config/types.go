// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import "time"

// Config is the root configuration for the scoutdeploy coordinator.
//
// It is loaded from scoutdeploy.yaml and then overridden by environment
// variables (see ApplyEnv). Every field has a working default so the
// coordinator can run against a local stack with no config file at all.
type Config struct {
	// Project is the secrets-backend project all operations are scoped to.
	Project string `yaml:"project"`

	// Environment is the secrets-backend environment (e.g. "production").
	Environment string `yaml:"environment"`

	// Store configures the secrets backend.
	Store StoreConfig `yaml:"store"`

	// Rotation configures the background rotation scheduler.
	Rotation RotationConfig `yaml:"rotation"`

	// Database configures the time-series schema bootstrap.
	Database DatabaseConfig `yaml:"database"`

	// Runtime configures the container runtime adapter.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Tiers configures readiness-wait budgets for orchestration.
	Tiers TiersConfig `yaml:"tiers"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and configures the secrets backend.
type StoreConfig struct {
	// Backend is one of "memory", "infisical", or "vault".
	Backend string `yaml:"backend"`

	// Address is the backend base URL (e.g. http://localhost:8090).
	Address string `yaml:"address"`

	// Token is the service token used to authenticate to the backend.
	// Prefer SCOUTDEPLOY_STORE_TOKEN over putting this in the file.
	Token string `yaml:"token"`

	// Mount is the KV mount path for the vault backend (default "secret").
	Mount string `yaml:"mount"`

	// GenerateLength is the byte length of generated secret values.
	GenerateLength int `yaml:"generate_length"`

	// RequestTimeoutSeconds bounds individual backend calls.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// RotationConfig configures the rotation scheduler.
type RotationConfig struct {
	// TickSeconds is how often tracked secrets are evaluated (default 60).
	TickSeconds int `yaml:"tick_seconds"`

	// MetricsAddress, when non-empty, exposes /metrics during `rotate watch`
	// (e.g. ":9402"). Empty disables the listener.
	MetricsAddress string `yaml:"metrics_address"`
}

// DatabaseConfig configures the TimescaleDB schema bootstrap.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Usually left empty so the
	// provisioned DATABASE_URL secret is used instead.
	URL string `yaml:"url"`

	// RetentionDays is the hypertable retention window (default 90).
	RetentionDays int `yaml:"retention_days"`
}

// RuntimeConfig configures the container runtime adapter.
type RuntimeConfig struct {
	// Binary is the compose front-end, "docker" or "podman" (default "docker").
	Binary string `yaml:"binary"`

	// ComposeFile is the path to the compose file (default "docker-compose.yml").
	ComposeFile string `yaml:"compose_file"`

	// ProjectName is the compose project name (default "scout").
	ProjectName string `yaml:"project_name"`
}

// TiersConfig configures per-tier readiness budgets.
type TiersConfig struct {
	// ReadinessTimeoutSeconds is the wait budget applied to each tier
	// unless the tier declares its own (default 120).
	ReadinessTimeoutSeconds int `yaml:"readiness_timeout_seconds"`

	// PollIntervalSeconds is the probe poll interval (default 2).
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default info).
	Level string `yaml:"level"`

	// Dir, when non-empty, enables file logging in addition to stderr.
	Dir string `yaml:"dir"`
}

// ReadinessTimeout returns the per-tier wait budget as a duration.
func (t TiersConfig) ReadinessTimeout() time.Duration {
	return time.Duration(t.ReadinessTimeoutSeconds) * time.Second
}

// PollInterval returns the probe poll interval as a duration.
func (t TiersConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// Tick returns the rotation evaluation interval as a duration.
func (r RotationConfig) Tick() time.Duration {
	return time.Duration(r.TickSeconds) * time.Second
}

// RequestTimeout returns the backend call budget as a duration.
func (s StoreConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// DefaultConfig returns a Config with every field set to its documented
// default: memory store, 32-byte generated secrets, 60s rotation tick,
// 120s tier readiness budget, docker compose runtime.
func DefaultConfig() Config {
	return Config{
		Project:     "crypto-alpha-scout",
		Environment: "production",
		Store: StoreConfig{
			Backend:               "memory",
			Address:               "http://localhost:8090",
			Mount:                 "secret",
			GenerateLength:        32,
			RequestTimeoutSeconds: 10,
		},
		Rotation: RotationConfig{
			TickSeconds: 60,
		},
		Database: DatabaseConfig{
			RetentionDays: 90,
		},
		Runtime: RuntimeConfig{
			Binary:      "docker",
			ComposeFile: "docker-compose.yml",
			ProjectName: "scout",
		},
		Tiers: TiersConfig{
			ReadinessTimeoutSeconds: 120,
			PollIntervalSeconds:     2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
