// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrProvisioningFailed is returned when a secret could not be ensured
// after the full retry schedule, or failed with a non-transient error.
var ErrProvisioningFailed = errors.New("secret provisioning failed")

// =============================================================================
// TYPES
// =============================================================================

// ValueGenerator produces a new secret value of the requested byte length.
type ValueGenerator func(length int) ([]byte, error)

// SecretDeclaration names one secret the stack requires.
//
// # Description
//
// Declarations are the provisioner's input: each names a secret that must
// exist in the store before application units start. Exactly one value
// source applies when the secret is absent, in priority order Generator,
// Default, then the store-wide default generator.
//
// # Examples
//
//	SecretDeclaration{Name: "JWT_SECRET"}                          // generated
//	SecretDeclaration{Name: "REDIS_URL", Default: "redis://redis:6379/0"}
type SecretDeclaration struct {
	// Name is the secret name, unique within the declared set.
	Name string

	// Default is a literal initial value for secrets that describe wiring
	// (connection strings) rather than credentials. Empty means generate.
	Default string

	// Generator overrides the provisioner's default generator for this
	// secret. Nil means use the default.
	Generator ValueGenerator

	// Policy is attached on first creation. Nil means no rotation policy.
	Policy *RotationPolicy

	// Placeholder marks externally-issued credentials (exchange API keys,
	// bot tokens). They are created with a generated value so the stack
	// can start, but operators are expected to overwrite them.
	Placeholder bool
}

// EnsureOutcome reports what the provisioner did for one declaration.
type EnsureOutcome string

const (
	// OutcomeExisted means the secret was already present; untouched.
	OutcomeExisted EnsureOutcome = "existed"

	// OutcomeCreated means a new version 1 was written.
	OutcomeCreated EnsureOutcome = "created"

	// OutcomeFailed means the declaration could not be satisfied.
	OutcomeFailed EnsureOutcome = "failed"
)

// EnsureRecord is the per-declaration result of an ensure pass.
type EnsureRecord struct {
	Name     string
	Outcome  EnsureOutcome
	Version  int
	Attempts int
	Err      error
}

// EnsureResult aggregates an ensure pass over a declared set.
//
// Records are sorted by name; ID and timestamps follow the coordinator's
// tracking convention.
type EnsureResult struct {
	ID          string
	Records     []EnsureRecord
	StartedAt   time.Time
	CompletedAt time.Time
}

// Failed returns the names of declarations that could not be satisfied.
func (r *EnsureResult) Failed() []string {
	var names []string
	for _, rec := range r.Records {
		if rec.Outcome == OutcomeFailed {
			names = append(names, rec.Name)
		}
	}
	return names
}

// =============================================================================
// INTERFACES
// =============================================================================

// SecretProvisioner ensures a declared secret set exists in the store.
//
// # Description
//
// EnsureSecrets is idempotent: secrets that already exist are left
// completely untouched, including their values, versions, and policies.
// Running it twice in a row performs no writes on the second run. Absent
// secrets are created at version 1 from the declaration's value source.
//
// Transient backend failures are retried per secret with exponential
// backoff (base 2s, doubling, capped at 60s, at most 5 attempts).
// Authorization failures and other non-transient errors fail immediately.
//
// # Outputs
//
// The EnsureResult always covers every declaration. The error is non-nil
// iff at least one declaration failed, and wraps ErrProvisioningFailed.
type SecretProvisioner interface {
	EnsureSecrets(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error)
}

// Notifier receives human-relevant secret lifecycle events. The rotation
// scheduler and provisioner publish through it; cmd_* handlers render it.
type Notifier interface {
	Notify(event string, name string, detail string)
}

// =============================================================================
// DEFAULT IMPLEMENTATION
// =============================================================================

// DefaultProvisioner implements SecretProvisioner against a SecretStore.
type DefaultProvisioner struct {
	store SecretStore

	// generateLength is the byte length for generated values.
	generateLength int

	// generator is the default value source for generated secrets.
	generator ValueGenerator

	// retrySchedule builds the per-secret backoff; injectable so tests
	// run without wall-clock waits.
	retrySchedule func(ctx context.Context) backoff.BackOff
}

// NewDefaultProvisioner creates a provisioner over store.
//
// generateLength is the byte length of generated values; values below the
// floor are clamped to 32. The generated value is URL-safe base64 so it
// can pass through env vars and connection strings unescaped.
func NewDefaultProvisioner(store SecretStore, generateLength int) *DefaultProvisioner {
	if generateLength < 16 {
		generateLength = 32
	}
	return &DefaultProvisioner{
		store:          store,
		generateLength: generateLength,
		generator:      GenerateSecretValue,
		retrySchedule:  provisionRetrySchedule,
	}
}

// EnsureSecrets ensures every declaration exists, creating absent ones.
//
// Declarations are processed concurrently; per-secret results never
// interleave because each name is owned by exactly one goroutine.
func (p *DefaultProvisioner) EnsureSecrets(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error) {
	result := &EnsureResult{
		ID:        GenerateID(),
		StartedAt: time.Now(),
		Records:   make([]EnsureRecord, len(decls)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, decl := range decls {
		g.Go(func() error {
			result.Records[i] = p.ensureOne(gctx, decl)
			return nil
		})
	}
	_ = g.Wait()

	result.CompletedAt = time.Now()
	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].Name < result.Records[j].Name
	})

	if failed := result.Failed(); len(failed) > 0 {
		return result, fmt.Errorf("%w: %v", ErrProvisioningFailed, failed)
	}
	return result, nil
}

// ensureOne satisfies a single declaration, retrying transient failures.
func (p *DefaultProvisioner) ensureOne(ctx context.Context, decl SecretDeclaration) EnsureRecord {
	rec := EnsureRecord{Name: decl.Name}

	operation := func() error {
		rec.Attempts++

		existing, err := p.store.Get(ctx, decl.Name)
		switch {
		case err == nil:
			rec.Outcome = OutcomeExisted
			rec.Version = existing.Version
			provisionTotal.WithLabelValues(string(OutcomeExisted)).Inc()
			return nil
		case errors.Is(err, ErrSecretNotFound):
			// Fall through to create.
		case errors.Is(err, ErrBackendUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}

		value, err := p.valueFor(decl)
		if err != nil {
			return backoff.Permanent(err)
		}
		created, err := p.store.Put(ctx, decl.Name, value, decl.Policy)
		switch {
		case err == nil:
			rec.Outcome = OutcomeCreated
			rec.Version = created.Version
			provisionTotal.WithLabelValues(string(OutcomeCreated)).Inc()
			return nil
		case errors.Is(err, ErrBackendUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, p.retrySchedule(ctx)); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Err = fmt.Errorf("%w: %s: %v", ErrProvisioningFailed, decl.Name, err)
		provisionTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	}
	return rec
}

// valueFor resolves a declaration's initial value.
func (p *DefaultProvisioner) valueFor(decl SecretDeclaration) ([]byte, error) {
	if decl.Generator != nil {
		return decl.Generator(p.generateLength)
	}
	if decl.Default != "" {
		return []byte(decl.Default), nil
	}
	return p.generator(p.generateLength)
}

// provisionRetrySchedule builds the production backoff: 2s base, doubling,
// 60s cap, 5 attempts total, context-aware.
func provisionRetrySchedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ProvisionBackoffBase
	b.Multiplier = 2.0
	b.MaxInterval = ProvisionBackoffCap
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, ProvisionMaxAttempts-1), ctx)
}

// GenerateSecretValue returns a random value exactly length bytes long,
// drawn from the URL-safe base64 alphabet so generated credentials can
// embed in env vars and URLs unescaped.
func GenerateSecretValue(length int) ([]byte, error) {
	// Enough raw entropy to fill length encoded characters.
	raw := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating secret value: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return []byte(encoded[:length]), nil
}

// =============================================================================
// MOCK IMPLEMENTATION
// =============================================================================

// MockProvisioner is a configurable SecretProvisioner for tests.
type MockProvisioner struct {
	EnsureSecretsFunc func(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error)

	EnsureSecretsCalls [][]SecretDeclaration
	mu                 sync.Mutex
}

// EnsureSecrets records the call and delegates to EnsureSecretsFunc if set.
func (m *MockProvisioner) EnsureSecrets(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error) {
	m.mu.Lock()
	m.EnsureSecretsCalls = append(m.EnsureSecretsCalls, decls)
	m.mu.Unlock()

	if m.EnsureSecretsFunc != nil {
		return m.EnsureSecretsFunc(ctx, decls)
	}
	return &EnsureResult{ID: GenerateID(), CompletedAt: time.Now()}, nil
}

var (
	_ SecretProvisioner = (*DefaultProvisioner)(nil)
	_ SecretProvisioner = (*MockProvisioner)(nil)
)
