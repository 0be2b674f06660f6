// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/hog-sys/ScoutDeploy/pkg/validation"
	"github.com/spf13/cobra"
)

// runSecretsEnsure creates any declared secrets that are missing.
func runSecretsEnsure(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	provisioner := NewDefaultProvisioner(store, cfg.Store.GenerateLength)

	result, err := provisioner.EnsureSecrets(ctx, DeclaredSecrets())
	if result != nil {
		for _, rec := range result.Records {
			line := fmt.Sprintf("  %-20s %-8s", rec.Name, rec.Outcome)
			if rec.Outcome != OutcomeFailed {
				line += fmt.Sprintf(" v%d", rec.Version)
			} else if rec.Err != nil {
				line += " " + rec.Err.Error()
			}
			fmt.Println(line)
		}
	}
	return err
}

// runSecretsList prints the scope's secrets with rotation state.
func runSecretsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	secrets, err := store.List(ctx)
	if err != nil {
		return err
	}
	scheduler := NewRotationScheduler(store, nil, nil, nil, cfg.Store.GenerateLength)

	fmt.Printf("secrets in %s/%s:\n", cfg.Project, cfg.Environment)
	for i := range secrets {
		desc := &secrets[i]
		fmt.Printf("  %-20s v%-3d %-10s created %s\n",
			desc.Name, desc.Version, scheduler.StateOf(desc),
			desc.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// runSecretsRotate rotates one secret by name.
func runSecretsRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	name, err := validation.SanitizeSecretName(args[0])
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	plan := DefaultPlan()
	scheduler := NewRotationScheduler(store, NewMemoryRestartMarker(), &logNotifier{logger: logger},
		SecretConsumers(plan), cfg.Store.GenerateLength)

	outcome, err := scheduler.Rotate(ctx, RotationRequest{
		Name:          name,
		ApprovalToken: approvalToken,
	})
	if err != nil {
		return err
	}
	fmt.Printf("rotated %s: v%d -> v%d (request %s)\n",
		outcome.Name, outcome.OldVersion, outcome.NewVersion, outcome.RequestID)
	if len(outcome.MarkedUnits) > 0 {
		fmt.Printf("stale units: %v, run `scoutdeploy restart` to apply\n", outcome.MarkedUnits)
	}
	return nil
}

// runSecretsDelete revokes a secret. History stays readable by version.
func runSecretsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	name, err := validation.SanitizeSecretName(args[0])
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, name); err != nil {
		return err
	}
	logger.Info("secret revoked", "name", name)
	return nil
}

// runRotateWatch runs the scheduler loop until interrupted.
func runRotateWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	plan := DefaultPlan()
	scheduler := NewRotationScheduler(store, NewMemoryRestartMarker(), &logNotifier{logger: logger},
		SecretConsumers(plan), cfg.Store.GenerateLength)

	if addr := cfg.Rotation.MetricsAddress; addr != "" {
		serveMetrics(addr, func(err error) {
			logger.Error("metrics listener failed", "address", addr, "error", err)
		})
		logger.Info("metrics exposed", "address", addr)
	}

	logger.Info("rotation watch started", "tick", cfg.Rotation.Tick())
	err = scheduler.Run(ctx, cfg.Rotation.Tick())
	if ctx.Err() != nil {
		logger.Info("rotation watch stopped")
		return nil
	}
	return err
}
