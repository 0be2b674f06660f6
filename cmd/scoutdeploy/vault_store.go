// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultStore is a SecretStore over a Vault or OpenBao KV-v2 mount.
//
// # Description
//
// KV-v2 does the version bookkeeping natively: every write creates a new
// version and prior versions stay readable, which maps one-to-one onto
// the store's history semantics. Secrets live under
// <mount>/<project>/<environment>/<name>; the rotation policy rides along
// in the secret data so it survives backend restarts.
//
// # Limitations
//
//   - SetPolicy writes a new version, because KV-v2 data is immutable
//     per version. Version numbers therefore advance on policy changes.
type VaultStore struct {
	client *vault.Client
	kv     *vault.KVv2
	mount  string
	scope  Scope
}

// NewVaultStore connects to the Vault/OpenBao server at address.
func NewVaultStore(address, token, mount string, scope Scope, timeout time.Duration) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = address
	cfg.Timeout = EnforceMinTimeout(timeout, MinStoreRequestTimeout)

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{
		client: client,
		kv:     client.KVv2(mount),
		mount:  mount,
		scope:  scope,
	}, nil
}

// Scope reports the store's (project, environment).
func (v *VaultStore) Scope() Scope { return v.scope }

// path places a secret under the scope's subtree.
func (v *VaultStore) path(name string) string {
	return v.scope.Project + "/" + v.scope.Environment + "/" + name
}

// Get returns the latest non-revoked version of name.
func (v *VaultStore) Get(ctx context.Context, name string) (*SecretDescriptor, error) {
	secret, err := v.kv.Get(ctx, v.path(name))
	if err != nil {
		return nil, v.mapError(err, name)
	}
	// A soft-deleted latest version comes back with nil data.
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, v.scope)
	}
	return v.descriptor(name, secret)
}

// GetVersion returns one historical version of name, deleted or not.
func (v *VaultStore) GetVersion(ctx context.Context, name string, version int) (*SecretDescriptor, error) {
	secret, err := v.kv.GetVersion(ctx, v.path(name), version)
	if err != nil {
		return nil, v.mapError(err, name)
	}
	if secret == nil || secret.VersionMetadata == nil {
		return nil, fmt.Errorf("%w: %s v%d in %s", ErrSecretNotFound, name, version, v.scope)
	}
	if secret.Data == nil {
		// Soft-deleted version: metadata survives, data does not.
		return &SecretDescriptor{
			Name:      name,
			Scope:     v.scope,
			Version:   secret.VersionMetadata.Version,
			CreatedAt: secret.VersionMetadata.CreatedTime,
			Revoked:   true,
		}, nil
	}
	return v.descriptor(name, secret)
}

// Put writes the next version of name.
func (v *VaultStore) Put(ctx context.Context, name string, value []byte, policy *RotationPolicy) (*SecretDescriptor, error) {
	if policy == nil {
		if existing, err := v.Get(ctx, name); err == nil {
			policy = existing.Policy
		}
	}
	data := map[string]any{"value": string(value)}
	if policy != nil {
		data["policy_interval_seconds"] = int64(policy.Interval / time.Second)
		data["policy_require_approval"] = policy.RequireApproval
		data["policy_notify"] = policy.Notify
	}

	secret, err := v.kv.Put(ctx, v.path(name), data)
	if err != nil {
		return nil, v.mapError(err, name)
	}
	desc := &SecretDescriptor{
		Name:      name,
		Scope:     v.scope,
		Value:     append([]byte(nil), value...),
		Policy:    policy,
		CreatedAt: time.Now(),
	}
	if secret != nil && secret.VersionMetadata != nil {
		desc.Version = secret.VersionMetadata.Version
		desc.CreatedAt = secret.VersionMetadata.CreatedTime
	}
	return desc, nil
}

// List returns every live secret in the scope's subtree.
func (v *VaultStore) List(ctx context.Context) ([]SecretDescriptor, error) {
	listPath := v.mount + "/metadata/" + v.scope.Project + "/" + v.scope.Environment
	listed, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, v.mapError(err, "")
	}
	if listed == nil || listed.Data == nil {
		return []SecretDescriptor{}, nil
	}
	keys, _ := listed.Data["keys"].([]any)

	out := make([]SecretDescriptor, 0, len(keys))
	for _, k := range keys {
		name, ok := k.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		desc, err := v.Get(ctx, name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *desc)
	}
	return out, nil
}

// Delete soft-deletes the head version of name. KV-v2 keeps prior
// versions readable, matching revoke semantics.
func (v *VaultStore) Delete(ctx context.Context, name string) error {
	if _, err := v.Get(ctx, name); err != nil {
		return err
	}
	if err := v.kv.Delete(ctx, v.path(name)); err != nil {
		return v.mapError(err, name)
	}
	return nil
}

// SetPolicy writes a new version carrying the updated policy.
func (v *VaultStore) SetPolicy(ctx context.Context, name string, policy *RotationPolicy) error {
	existing, err := v.Get(ctx, name)
	if err != nil {
		return err
	}
	_, err = v.Put(ctx, name, existing.Value, policy)
	return err
}

// descriptor converts a KV-v2 secret to the store's data model.
func (v *VaultStore) descriptor(name string, secret *vault.KVSecret) (*SecretDescriptor, error) {
	raw, ok := secret.Data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("secret %s in %s has no value field", name, v.scope)
	}
	desc := &SecretDescriptor{
		Name:  name,
		Scope: v.scope,
		Value: []byte(raw),
	}
	if secret.VersionMetadata != nil {
		desc.Version = secret.VersionMetadata.Version
		desc.CreatedAt = secret.VersionMetadata.CreatedTime
	}
	if interval, ok := toInt64(secret.Data["policy_interval_seconds"]); ok {
		policy := &RotationPolicy{Interval: time.Duration(interval) * time.Second}
		policy.RequireApproval, _ = secret.Data["policy_require_approval"].(bool)
		policy.Notify, _ = secret.Data["policy_notify"].(bool)
		desc.Policy = policy
	}
	return desc, nil
}

// mapError translates vault client errors into the store taxonomy.
func (v *VaultStore) mapError(err error, name string) error {
	if errors.Is(err, vault.ErrSecretNotFound) {
		return fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, v.scope)
	}
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, v.scope)
		case respErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return err
	}
	// Transport-level failure: server unreachable.
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// toInt64 handles the number types JSON decoding may hand back.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

var _ SecretStore = (*VaultStore)(nil)
