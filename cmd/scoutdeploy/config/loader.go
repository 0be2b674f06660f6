// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv. Each overrides the
// corresponding config field; all are optional.
const (
	// EnvStoreURL overrides Store.Address. INFISICAL_URL is honored as a
	// fallback for compatibility with the original deployment scripts.
	EnvStoreURL         = "SCOUTDEPLOY_STORE_URL"
	EnvStoreURLFallback = "INFISICAL_URL"

	// EnvStoreToken overrides Store.Token. INFISICAL_SERVICE_TOKEN is the
	// compatibility fallback.
	EnvStoreToken         = "SCOUTDEPLOY_STORE_TOKEN"
	EnvStoreTokenFallback = "INFISICAL_SERVICE_TOKEN"

	// EnvStoreBackend overrides Store.Backend (memory, infisical, vault).
	EnvStoreBackend = "SCOUTDEPLOY_STORE_BACKEND"

	// EnvSecretLength overrides Store.GenerateLength (bytes).
	EnvSecretLength = "SCOUTDEPLOY_SECRET_LENGTH"

	// EnvRotationTick overrides Rotation.TickSeconds.
	EnvRotationTick = "SCOUTDEPLOY_ROTATION_TICK"

	// EnvTierTimeout overrides Tiers.ReadinessTimeoutSeconds.
	EnvTierTimeout = "SCOUTDEPLOY_TIER_TIMEOUT"

	// EnvProject and EnvEnvironment override the secret scope.
	EnvProject     = "SCOUTDEPLOY_PROJECT"
	EnvEnvironment = "SCOUTDEPLOY_ENVIRONMENT"

	// EnvDatabaseURL overrides Database.URL. Takes the same name the
	// provisioned secret uses so operators can point the schema bootstrap
	// at an existing database.
	EnvDatabaseURL = "DATABASE_URL"
)

// Load reads a YAML config file and applies environment overrides.
//
// # Description
//
// Missing files are not an error: the documented defaults are used and
// environment overrides still apply. A malformed file is an error, since
// silently ignoring a typo'd config is worse than failing fast.
//
// # Inputs
//
//   - path: Config file path, usually "scoutdeploy.yaml".
//
// # Outputs
//
//   - Config: Fully resolved configuration.
//   - error: Non-nil on unreadable or malformed file, or invalid values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults + env only.
	case err != nil:
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from environment variables.
// getenv is injected for testability; pass os.Getenv in production.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := firstNonEmpty(getenv(EnvStoreURL), getenv(EnvStoreURLFallback)); v != "" {
		c.Store.Address = v
	}
	if v := firstNonEmpty(getenv(EnvStoreToken), getenv(EnvStoreTokenFallback)); v != "" {
		c.Store.Token = v
	}
	if v := getenv(EnvStoreBackend); v != "" {
		c.Store.Backend = v
	}
	if v := getenv(EnvProject); v != "" {
		c.Project = v
	}
	if v := getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if n, ok := atoiEnv(getenv(EnvSecretLength)); ok {
		c.Store.GenerateLength = n
	}
	if n, ok := atoiEnv(getenv(EnvRotationTick)); ok {
		c.Rotation.TickSeconds = n
	}
	if n, ok := atoiEnv(getenv(EnvTierTimeout)); ok {
		c.Tiers.ReadinessTimeoutSeconds = n
	}
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "infisical", "vault":
	default:
		return fmt.Errorf("store.backend must be memory, infisical, or vault; got %q", c.Store.Backend)
	}
	if c.Project == "" || c.Environment == "" {
		return fmt.Errorf("project and environment must be non-empty")
	}
	if c.Store.GenerateLength < 16 {
		return fmt.Errorf("store.generate_length must be at least 16 bytes; got %d", c.Store.GenerateLength)
	}
	if c.Rotation.TickSeconds <= 0 {
		return fmt.Errorf("rotation.tick_seconds must be positive; got %d", c.Rotation.TickSeconds)
	}
	if c.Tiers.ReadinessTimeoutSeconds <= 0 {
		return fmt.Errorf("tiers.readiness_timeout_seconds must be positive; got %d", c.Tiers.ReadinessTimeoutSeconds)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoiEnv(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
