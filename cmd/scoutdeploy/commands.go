// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	planPath      string // optional stack plan override file
	approvalToken string // out-of-band approval for gated rotations
	logLines      int

	rootCmd = &cobra.Command{
		Use:   "scoutdeploy",
		Short: "A cli to deploy and operate the crypto-alpha-scout stack",
		Long: `scoutdeploy coordinates the scout trading stack: it brings
services up in dependency order, provisions and rotates their secrets,
bootstraps the time-series schema, and reports stack health.`,
	}

	// --- Stack Lifecycle ---
	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Start the full stack in tier order with secrets provisioned",
		RunE:  runDeploy, // Defined in cmd_deploy.go
	}
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Probe every unit once and print the health matrix",
		RunE:  runCheck, // Defined in cmd_deploy.go
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop all stack services (containers and data are kept)",
		RunE:  runStop, // Defined in cmd_deploy.go
	}
	restartCmd = &cobra.Command{
		Use:   "restart [unit...]",
		Short: "Restart units, defaulting to those marked stale by rotation",
		RunE:  runRestart, // Defined in cmd_deploy.go
	}
	logsCmd = &cobra.Command{
		Use:   "logs [unit]",
		Short: "Print recent logs for one unit, or the whole stack",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLogs, // Defined in cmd_deploy.go
	}

	// --- Secrets ---
	secretsCmd = &cobra.Command{
		Use:   "secrets",
		Short: "Manage the stack's secret set",
	}
	secretsEnsureCmd = &cobra.Command{
		Use:   "ensure",
		Short: "Idempotently create any declared secrets that are missing",
		RunE:  runSecretsEnsure, // Defined in cmd_secrets.go
	}
	secretsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List secrets in scope with versions and rotation state",
		RunE:  runSecretsList, // Defined in cmd_secrets.go
	}
	secretsRotateCmd = &cobra.Command{
		Use:   "rotate [name]",
		Short: "Rotate one secret to a new version",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsRotate, // Defined in cmd_secrets.go
	}
	secretsDeleteCmd = &cobra.Command{
		Use:   "delete [name]",
		Short: "Revoke a secret (history stays retrievable)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsDelete, // Defined in cmd_secrets.go
	}

	// --- Rotation Watch ---
	rotateCmd = &cobra.Command{
		Use:   "rotate",
		Short: "Rotation scheduler operations",
	}
	rotateWatchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run the rotation scheduler in the foreground",
		RunE:  runRotateWatch, // Defined in cmd_secrets.go
	}

	// --- Schema ---
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Time-series schema operations",
	}
	schemaInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Create tables, hypertables, retention, and aggregates",
		RunE:  runSchemaInit, // Defined in cmd_schema.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "scoutdeploy.yaml", "Path to the coordinator config file")
	deployCmd.Flags().StringVar(&planPath, "plan", "", "Optional stack plan override file (YAML)")
	checkCmd.Flags().StringVar(&planPath, "plan", "", "Optional stack plan override file (YAML)")
	secretsRotateCmd.Flags().StringVar(&approvalToken, "approval-token", "", "Approval token for policy-gated rotations")
	logsCmd.Flags().IntVar(&logLines, "lines", 100, "Number of log lines to fetch")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(logsCmd)

	secretsCmd.AddCommand(secretsEnsureCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsRotateCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
	rootCmd.AddCommand(secretsCmd)

	rotateCmd.AddCommand(rotateWatchCmd)
	rootCmd.AddCommand(rotateCmd)

	schemaCmd.AddCommand(schemaInitCmd)
	rootCmd.AddCommand(schemaCmd)
}
