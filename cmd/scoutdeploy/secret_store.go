// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package main provides the scoutdeploy deployment coordinator.

SecretStore is the single source of truth for secret values. All mutation
flows through Put/Delete; the provisioner and rotation scheduler never touch
backend storage directly, which is what preserves the version-history
invariant under concurrent writers.

# Security Context

Secret values are opaque bytes and are NEVER logged, not even at debug
level. Anything that renders secrets for operators goes through the
Redacted() discipline in env_inject.go.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Error Sentinel Values
// -----------------------------------------------------------------------------

// ErrSecretNotFound is returned when a secret does not exist in the scope,
// or exists only in revoked form.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnauthorized is returned when the caller's token lacks permission for
// the scope. This is a configuration error and is never retried.
var ErrUnauthorized = errors.New("unauthorized for scope")

// ErrBackendUnavailable is returned when the secrets backend cannot be
// reached or answers with a server error. Transient; callers retry with
// backoff at the component boundary.
var ErrBackendUnavailable = errors.New("secrets backend unavailable")

// -----------------------------------------------------------------------------
// Data Model
// -----------------------------------------------------------------------------

// Scope isolates one tenant's secrets from another's.
// Every SecretStore instance is bound to exactly one scope.
type Scope struct {
	Project     string
	Environment string
}

// String returns "project/environment" for log and error messages.
func (s Scope) String() string {
	return s.Project + "/" + s.Environment
}

// RotationPolicy describes when and how a secret may be rotated.
//
// A policy is attached to at most one secret and is immutable except
// through SecretStore.SetPolicy.
type RotationPolicy struct {
	// Interval is how long a version stays fresh before rotation is due.
	Interval time.Duration `yaml:"interval"`

	// RequireApproval refuses rotation requests that do not carry an
	// approval token obtained out-of-band.
	RequireApproval bool `yaml:"require_approval"`

	// Notify emits an early-warning notification when the secret enters
	// the due-soon window.
	Notify bool `yaml:"notify"`
}

// SecretDescriptor is one version of one secret.
//
// # Description
//
// Unique per (scope, name, version). Version increments monotonically on
// every Put for the same name; prior versions remain retrievable for audit
// and rollback. Value is opaque bytes.
//
// # Thread Safety
//
// Descriptors returned by a SecretStore are copies; callers may retain them
// without holding store locks.
type SecretDescriptor struct {
	Name      string
	Scope     Scope
	Value     []byte
	Version   int
	CreatedAt time.Time
	Policy    *RotationPolicy
	Revoked   bool
}

// clone returns a deep copy so store internals never escape.
func (d *SecretDescriptor) clone() *SecretDescriptor {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Value = append([]byte(nil), d.Value...)
	if d.Policy != nil {
		p := *d.Policy
		cp.Policy = &p
	}
	return &cp
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// SecretStore abstracts the secrets backend for a single scope.
//
// # Description
//
// Implementations exist for an in-memory store (local mode and tests), an
// Infisical-style REST backend, and a Vault/OpenBao KV-v2 mount. All
// mutation of secret state flows through this interface.
//
// # Errors
//
// Methods return ErrSecretNotFound, ErrUnauthorized, or
// ErrBackendUnavailable (possibly wrapped). Only ErrBackendUnavailable is
// transient and retryable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SecretStore interface {
	// Get returns the latest non-revoked version of a secret.
	Get(ctx context.Context, name string) (*SecretDescriptor, error)

	// GetVersion returns a specific version, including versions that have
	// since been superseded or revoked. Used for audit and rollback.
	GetVersion(ctx context.Context, name string, version int) (*SecretDescriptor, error)

	// Put creates version 1 if the name is absent, otherwise a new version
	// at head+1. History is preserved. A nil policy on an existing name
	// keeps the current policy.
	Put(ctx context.Context, name string, value []byte, policy *RotationPolicy) (*SecretDescriptor, error)

	// List returns the latest non-revoked version of every secret in the
	// scope, sorted by name.
	List(ctx context.Context) ([]SecretDescriptor, error)

	// Delete marks the current version revoked. History is not erased;
	// GetVersion still serves prior versions.
	Delete(ctx context.Context, name string) error

	// SetPolicy replaces the rotation policy on the secret's head version.
	// This is the only way to change a policy after attachment.
	SetPolicy(ctx context.Context, name string, policy *RotationPolicy) error

	// Scope reports the (project, environment) this store is bound to.
	Scope() Scope
}

// -----------------------------------------------------------------------------
// In-Memory Implementation
// -----------------------------------------------------------------------------

// MemoryStore is a SecretStore backed by process memory.
//
// Used for local mode (no backend container) and throughout the tests.
// Version history is a per-name slice; index i holds version i+1.
type MemoryStore struct {
	scope   Scope
	mu      sync.RWMutex
	history map[string][]*SecretDescriptor
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore bound to scope.
func NewMemoryStore(scope Scope) *MemoryStore {
	return &MemoryStore{
		scope:   scope,
		history: make(map[string][]*SecretDescriptor),
		now:     time.Now,
	}
}

// Scope reports the store's (project, environment).
func (m *MemoryStore) Scope() Scope { return m.scope }

// Get returns the latest non-revoked version of name.
func (m *MemoryStore) Get(ctx context.Context, name string) (*SecretDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	head := m.headLocked(name)
	if head == nil || head.Revoked {
		return nil, fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, m.scope)
	}
	return head.clone(), nil
}

// GetVersion returns a specific version of name, revoked or not.
func (m *MemoryStore) GetVersion(ctx context.Context, name string, version int) (*SecretDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.history[name]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("%w: %s v%d in %s", ErrSecretNotFound, name, version, m.scope)
	}
	return versions[version-1].clone(), nil
}

// Put appends a new version of name, at version 1 if absent.
func (m *MemoryStore) Put(ctx context.Context, name string, value []byte, policy *RotationPolicy) (*SecretDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.headLocked(name)
	if policy == nil && head != nil {
		policy = head.Policy
	}
	desc := &SecretDescriptor{
		Name:      name,
		Scope:     m.scope,
		Value:     append([]byte(nil), value...),
		Version:   len(m.history[name]) + 1,
		CreatedAt: m.now(),
		Policy:    policy,
	}
	m.history[name] = append(m.history[name], desc)
	return desc.clone(), nil
}

// List returns the head of every non-revoked secret, sorted by name.
func (m *MemoryStore) List(ctx context.Context) ([]SecretDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SecretDescriptor, 0, len(m.history))
	for name := range m.history {
		head := m.headLocked(name)
		if head == nil || head.Revoked {
			continue
		}
		out = append(out, *head.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete marks the head version of name revoked.
func (m *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.headLocked(name)
	if head == nil || head.Revoked {
		return fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, m.scope)
	}
	head.Revoked = true
	return nil
}

// SetPolicy replaces the policy on the head version of name.
func (m *MemoryStore) SetPolicy(ctx context.Context, name string, policy *RotationPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.headLocked(name)
	if head == nil || head.Revoked {
		return fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, m.scope)
	}
	if policy != nil {
		p := *policy
		head.Policy = &p
	} else {
		head.Policy = nil
	}
	return nil
}

// headLocked returns the newest version of name, or nil. Caller holds mu.
func (m *MemoryStore) headLocked(name string) *SecretDescriptor {
	versions := m.history[name]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

// Compile-time interface check.
var _ SecretStore = (*MemoryStore)(nil)
