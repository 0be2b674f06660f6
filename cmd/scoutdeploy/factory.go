// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hog-sys/ScoutDeploy/cmd/scoutdeploy/config"
	"github.com/hog-sys/ScoutDeploy/pkg/logging"
)

// memoryStores keeps memory-backend stores alive per scope for the
// duration of the process, so sequential commands in one invocation see
// the same data.
var memoryStores = map[string]*MemoryStore{}

// buildStore selects the secrets backend from config.
func buildStore(c config.Config) (SecretStore, error) {
	scope := Scope{Project: c.Project, Environment: c.Environment}
	switch c.Store.Backend {
	case "memory":
		key := scope.String()
		if s, ok := memoryStores[key]; ok {
			return s, nil
		}
		s := NewMemoryStore(scope)
		memoryStores[key] = s
		return s, nil
	case "infisical":
		return NewInfisicalStore(c.Store.Address, c.Store.Token, scope, c.Store.RequestTimeout()), nil
	case "vault":
		return NewVaultStore(c.Store.Address, c.Store.Token, c.Store.Mount, scope, c.Store.RequestTimeout())
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// buildExecutor wires the compose executor for the configured runtime.
func buildExecutor(c config.Config) *ComposeExecutor {
	return NewComposeExecutor(&DefaultProcessRunner{}, c.Runtime.Binary, c.Runtime.ComposeFile, c.Runtime.ProjectName)
}

// buildPlan returns the default plan or the override file's plan.
func buildPlan(overridePath string) (StackPlan, error) {
	if overridePath == "" {
		return DefaultPlan(), nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return StackPlan{}, fmt.Errorf("reading plan %s: %w", overridePath, err)
	}
	return PlanFromYAML(data)
}

// databaseURL resolves the schema bootstrap connection string: explicit
// config wins, otherwise the provisioned DATABASE_URL secret.
func databaseURL(ctx context.Context, c config.Config, store SecretStore) (string, error) {
	if c.Database.URL != "" {
		return c.Database.URL, nil
	}
	desc, err := store.Get(ctx, "DATABASE_URL")
	if err != nil {
		return "", fmt.Errorf("resolving DATABASE_URL: %w", err)
	}
	return string(desc.Value), nil
}

// logNotifier publishes secret lifecycle events through the logger.
type logNotifier struct {
	logger *logging.Logger
}

// Notify implements Notifier.
func (n *logNotifier) Notify(event, name, detail string) {
	n.logger.Info("secret lifecycle event", "event", event, "secret", name, "detail", detail)
}

var _ Notifier = (*logNotifier)(nil)
