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
	"os/signal"
	"syscall"
	"time"

	"github.com/hog-sys/ScoutDeploy/pkg/validation"
	"github.com/spf13/cobra"
)

// commandContext returns a context cancelled by Ctrl+C or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// migratorFunc adapts a closure to the Migrator interface, so the schema
// step can resolve DATABASE_URL lazily; the secret only exists after
// the provisioning step has run.
type migratorFunc func(ctx context.Context) error

func (f migratorFunc) InitSchema(ctx context.Context) error { return f(ctx) }

// runDeploy brings the stack up tier by tier.
func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	plan, err := buildPlan(planPath)
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	executor := buildExecutor(cfg)
	provisioner := NewDefaultProvisioner(store, cfg.Store.GenerateLength)
	migrator := migratorFunc(func(ctx context.Context) error {
		url, err := databaseURL(ctx, cfg, store)
		if err != nil {
			return err
		}
		return NewSchemaInitializer(url, cfg.Database.RetentionDays).InitSchema(ctx)
	})

	orch := NewStartupOrchestrator(
		plan, executor, NewDefaultProbe(), provisioner, store, migrator,
		DeclaredSecrets(), cfg.Tiers.ReadinessTimeout(), cfg.Tiers.PollInterval(),
	)

	logger.Info("deploy starting", "project", cfg.Project, "environment", cfg.Environment, "units", len(plan.Units))
	result, deployErr := orch.Deploy(ctx, NewHealthReporter(NewDefaultProbe()))

	for _, tr := range result.Tiers {
		switch tr.Status {
		case TierCompleted:
			logger.Info("tier ready", "tier", tr.Tier, "units", tr.Units, "duration", tr.Duration)
		case TierFailed:
			logger.Error("tier failed", "tier", tr.Tier, "error", tr.Err)
		case TierSkipped:
			logger.Warn("tier skipped", "tier", tr.Tier)
		}
	}
	if result.Provision != nil {
		for _, rec := range result.Provision.Records {
			logger.Info("secret ensured", "name", rec.Name, "outcome", rec.Outcome, "version", rec.Version)
		}
	}

	fmt.Print(RenderHealthMatrix(ctx, result.Snapshot, executor))
	if deployErr != nil {
		return fmt.Errorf("deploy %s failed: %w", result.ID, deployErr)
	}
	fmt.Printf("deploy %s completed in %v\n", result.ID, result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	return nil
}

// runCheck probes every unit once and prints the health matrix.
func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	plan, err := buildPlan(planPath)
	if err != nil {
		return err
	}
	executor := buildExecutor(cfg)
	snapshot := NewHealthReporter(NewDefaultProbe()).Check(ctx, plan.Units)

	fmt.Print(RenderHealthMatrix(ctx, snapshot, executor))
	if snapshot.Overall() != HealthUp {
		return fmt.Errorf("stack is %s", snapshot.Overall())
	}
	return nil
}

// runStop stops the whole stack.
func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	executor := buildExecutor(cfg)
	if err := executor.Stop(ctx, nil); err != nil {
		return err
	}
	logger.Info("stack stopped", "project", cfg.Runtime.ProjectName)
	return nil
}

// runRestart restarts the named units, or every secret-consuming unit
// when none are named, re-resolving each unit's env so rotated secret
// versions take effect.
func runRestart(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	plan, err := buildPlan(planPath)
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	executor := buildExecutor(cfg)

	var units []Unit
	if len(args) > 0 {
		byName := make(map[string]Unit, len(plan.Units))
		for _, u := range plan.Units {
			byName[u.Name] = u
		}
		for _, name := range args {
			if err := validation.ValidateUnitName(name); err != nil {
				return err
			}
			u, ok := byName[name]
			if !ok {
				return fmt.Errorf("unknown unit %q", name)
			}
			units = append(units, u)
		}
	} else {
		for _, u := range plan.Units {
			if len(u.EnvContract) > 0 {
				units = append(units, u)
			}
		}
	}

	for _, u := range units {
		var env []string
		if receivesSecrets(u.Tier) && len(u.EnvContract) > 0 {
			set, err := ResolveUnitEnv(ctx, store, u.Name, u.EnvContract)
			if err != nil {
				return err
			}
			env = set.Slice()
		}
		if err := executor.Restart(ctx, []string{u.Name}, env); err != nil {
			return err
		}
		logger.Info("unit restarted", "unit", u.Name)
	}
	return nil
}

// runLogs prints recent log output.
func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	unit := ""
	if len(args) > 0 {
		unit = args[0]
		if err := validation.ValidateUnitName(unit); err != nil {
			return err
		}
	}
	out, err := buildExecutor(cfg).Logs(ctx, unit, logLines)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
