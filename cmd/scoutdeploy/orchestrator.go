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
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TYPES
// =============================================================================

// TierStatus is the outcome of one tier during a deploy.
type TierStatus string

const (
	// TierCompleted means every unit in the tier became ready.
	TierCompleted TierStatus = "completed"

	// TierFailed means a unit did not become ready or a step failed.
	TierFailed TierStatus = "failed"

	// TierSkipped means an earlier tier failed first.
	TierSkipped TierStatus = "skipped"
)

// TierResult records what happened to one tier.
type TierResult struct {
	Tier     Tier
	Units    []string
	Status   TierStatus
	Duration time.Duration
	Err      error
}

// DeployResult is the complete record of one deploy run.
//
// The final health snapshot is present on every path, success and failure
// alike, so operators always see where the stack actually landed.
type DeployResult struct {
	ID          string
	Tiers       []TierResult
	Provision   *EnsureResult
	Snapshot    HealthSnapshot
	Success     bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// UnitRuntime is the slice of the container runtime the orchestrator
// needs. ComposeExecutor satisfies it; tests inject fakes.
type UnitRuntime interface {
	Up(ctx context.Context, units []string, env []string) error
}

// Migrator performs the schema bootstrap step of the migration tier.
type Migrator interface {
	InitSchema(ctx context.Context) error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// StartupOrchestrator executes a StackPlan tier by tier.
//
// # Description
//
// Tiers run strictly in TierOrder; a tier begins only after every unit of
// the previous tier is ready. Within a tier, units start and are probed
// concurrently. Secret provisioning runs exactly once, after the secrets
// tier is ready and before anything later starts, so application units
// always boot with a fully populated secret set. Resolved secrets reach
// only the units whose contracts name them, and only in the application
// and observability tiers.
//
// A failed tier aborts the deploy without rolling back earlier tiers:
// infrastructure that came up stays up for diagnosis. The remaining tiers
// are recorded as skipped and the run ends with a health snapshot taken
// across the whole plan.
type StartupOrchestrator struct {
	plan        StackPlan
	runtime     UnitRuntime
	probe       DependencyProbe
	provisioner SecretProvisioner
	store       SecretStore
	migrator    Migrator

	decls        []SecretDeclaration
	tierTimeout  time.Duration
	pollInterval time.Duration
}

// NewStartupOrchestrator wires an orchestrator for plan.
//
// migrator may be nil when the plan has no migration work. tierTimeout
// and pollInterval come from config; floors are enforced.
func NewStartupOrchestrator(
	plan StackPlan,
	runtime UnitRuntime,
	probe DependencyProbe,
	provisioner SecretProvisioner,
	store SecretStore,
	migrator Migrator,
	decls []SecretDeclaration,
	tierTimeout, pollInterval time.Duration,
) *StartupOrchestrator {
	return &StartupOrchestrator{
		plan:         plan,
		runtime:      runtime,
		probe:        probe,
		provisioner:  provisioner,
		store:        store,
		migrator:     migrator,
		decls:        decls,
		tierTimeout:  EnforceMinTimeout(tierTimeout, MinTierTimeout),
		pollInterval: pollInterval,
	}
}

// Deploy runs the full startup sequence.
//
// The returned error reports the first failure; the DeployResult is
// always complete, including the final health snapshot.
func (o *StartupOrchestrator) Deploy(ctx context.Context, reporter *HealthReporter) (*DeployResult, error) {
	result := &DeployResult{
		ID:        GenerateID(),
		StartedAt: time.Now(),
	}

	var deployErr error
	for _, tier := range TierOrder {
		units := o.plan.UnitsInTier(tier)
		tr := TierResult{Tier: tier, Units: unitNames(units)}

		if deployErr != nil {
			tr.Status = TierSkipped
			result.Tiers = append(result.Tiers, tr)
			continue
		}

		tierStart := time.Now()
		err := o.runTier(ctx, tier, units)
		tr.Duration = time.Since(tierStart)
		if err != nil {
			tr.Status = TierFailed
			tr.Err = err
			deployErr = fmt.Errorf("tier %s: %w", tier, err)
			result.Tiers = append(result.Tiers, tr)
			continue
		}
		tr.Status = TierCompleted
		result.Tiers = append(result.Tiers, tr)

		// Provision after the secrets backend is ready and before any
		// later tier starts. Exactly once per deploy.
		if tier == TierSecrets {
			ensure, err := o.provisioner.EnsureSecrets(ctx, o.decls)
			result.Provision = ensure
			if err != nil {
				deployErr = err
			}
		}
		if tier == TierMigration && o.migrator != nil {
			if err := o.migrator.InitSchema(ctx); err != nil {
				deployErr = fmt.Errorf("schema bootstrap: %w", err)
			}
		}
	}

	// The snapshot is taken regardless of outcome; a cancelled context
	// degrades individual records to Unknown rather than skipping it.
	result.Snapshot = reporter.Check(ctx, o.plan.Units)
	result.Success = deployErr == nil
	result.CompletedAt = time.Now()
	return result, deployErr
}

// runTier starts a tier's units and waits for all of them to be ready.
func (o *StartupOrchestrator) runTier(ctx context.Context, tier Tier, units []Unit) error {
	if len(units) == 0 {
		return nil
	}

	// Start phase. Units start individually so each receives only its
	// own contract's secrets.
	for _, u := range units {
		if u.ProbeOnly {
			continue
		}
		var env []string
		if receivesSecrets(tier) && len(u.EnvContract) > 0 {
			set, err := ResolveUnitEnv(ctx, o.store, u.Name, u.EnvContract)
			if err != nil {
				return err
			}
			env = set.Slice()
		}
		if err := o.runtime.Up(ctx, []string{u.Name}, env); err != nil {
			return err
		}
	}

	// Readiness phase, concurrent across the tier.
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			timeout := u.ReadinessTimeout
			if timeout <= 0 {
				timeout = o.tierTimeout
			}
			return o.probe.WaitReady(gctx, u.Probe, timeout, o.pollInterval)
		})
	}
	return g.Wait()
}

func unitNames(units []Unit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	return names
}
