// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// PROCESS RUNNER
// =============================================================================

// ProcessRunner executes external commands.
//
// # Description
//
// The single choke point for shelling out. extraEnv is appended to the
// inherited environment; this is how resolved secrets reach the compose
// front-end without ever touching disk.
//
// # Outputs
//
// Returns captured stdout and stderr, the exit code, and an error for
// failures to start or non-zero exits.
type ProcessRunner interface {
	Run(ctx context.Context, extraEnv []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// DefaultProcessRunner runs commands with os/exec.
type DefaultProcessRunner struct{}

// Run executes name with args, capturing output.
func (r *DefaultProcessRunner) Run(ctx context.Context, extraEnv []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		err = fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// MockProcessRunner is a configurable ProcessRunner for tests.
type MockProcessRunner struct {
	RunFunc func(ctx context.Context, extraEnv []string, name string, args ...string) (string, string, int, error)

	RunCalls []MockRunCall
	mu       sync.Mutex
}

// MockRunCall records one Run invocation.
type MockRunCall struct {
	ExtraEnv []string
	Name     string
	Args     []string
}

// Run records the call and delegates to RunFunc if set.
func (m *MockProcessRunner) Run(ctx context.Context, extraEnv []string, name string, args ...string) (string, string, int, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, MockRunCall{ExtraEnv: extraEnv, Name: name, Args: args})
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, extraEnv, name, args...)
	}
	return "", "", 0, nil
}

// =============================================================================
// COMPOSE EXECUTOR
// =============================================================================

// ComposeExecutor drives the container runtime through its compose
// front-end.
//
// # Description
//
// Works with both `docker compose` and `podman compose`; the binary comes
// from config. Unit names are compose service names. The executor never
// decides ordering; the orchestrator hands it one tier's units at a time.
type ComposeExecutor struct {
	runner      ProcessRunner
	binary      string
	composeFile string
	projectName string
}

// NewComposeExecutor creates an executor for the configured runtime.
func NewComposeExecutor(runner ProcessRunner, binary, composeFile, projectName string) *ComposeExecutor {
	return &ComposeExecutor{
		runner:      runner,
		binary:      binary,
		composeFile: composeFile,
		projectName: projectName,
	}
}

// composeArgs prefixes every invocation with file and project flags.
func (c *ComposeExecutor) composeArgs(args ...string) []string {
	base := []string{"compose", "-f", c.composeFile, "-p", c.projectName}
	return append(base, args...)
}

// Up starts units detached. env carries resolved secrets as KEY=value
// pairs for compose variable substitution.
func (c *ComposeExecutor) Up(ctx context.Context, units []string, env []string) error {
	args := c.composeArgs(append([]string{"up", "-d"}, units...)...)
	_, stderr, _, err := c.runner.Run(ctx, env, c.binary, args...)
	if err != nil {
		return fmt.Errorf("starting %v: %w (%s)", units, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Stop stops the whole stack, or only the named units when given.
func (c *ComposeExecutor) Stop(ctx context.Context, units []string) error {
	args := c.composeArgs(append([]string{"stop"}, units...)...)
	_, stderr, _, err := c.runner.Run(ctx, nil, c.binary, args...)
	if err != nil {
		return fmt.Errorf("stopping %v: %w (%s)", units, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Restart restarts units with fresh env so rotated secrets take effect.
func (c *ComposeExecutor) Restart(ctx context.Context, units []string, env []string) error {
	if err := c.Stop(ctx, units); err != nil {
		return err
	}
	return c.Up(ctx, units, env)
}

// Logs returns the captured log output for one unit, or all when empty.
func (c *ComposeExecutor) Logs(ctx context.Context, unit string, lines int) (string, error) {
	args := []string{"logs", "--tail", strconv.Itoa(lines)}
	if unit != "" {
		args = append(args, unit)
	}
	stdout, stderr, _, err := c.runner.Run(ctx, nil, c.binary, c.composeArgs(args...)...)
	if err != nil {
		return "", fmt.Errorf("fetching logs for %q: %w (%s)", unit, err, strings.TrimSpace(stderr))
	}
	// Compose front-ends split log streams inconsistently.
	if stdout == "" {
		return stderr, nil
	}
	return stdout, nil
}

// TailLogs implements LogTailer for remediation hints.
func (c *ComposeExecutor) TailLogs(ctx context.Context, unit string, lines int) (string, error) {
	return c.Logs(ctx, unit, lines)
}

var _ LogTailer = (*ComposeExecutor)(nil)
