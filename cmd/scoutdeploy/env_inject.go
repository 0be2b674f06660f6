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
	"sort"
	"strings"
)

// EnvVar is a single environment variable destined for a unit's process.
//
// # Description
//
// Sensitive values are redacted in all operator-facing output; the real
// value only ever crosses into the container runtime's environment.
type EnvVar struct {
	Key       string
	Value     string
	Sensitive bool
}

// Redacted returns the value safe for logs and display.
func (e EnvVar) Redacted() string {
	if !e.Sensitive {
		return e.Value
	}
	if len(e.Value) <= 4 {
		return "****"
	}
	return e.Value[:2] + "****" + e.Value[len(e.Value)-2:]
}

// String renders KEY=value with redaction applied.
func (e EnvVar) String() string {
	return e.Key + "=" + e.Redacted()
}

// sensitiveMarkers flag keys whose values must never be printed.
var sensitiveMarkers = []string{
	"TOKEN", "SECRET", "KEY", "PASS", "PASSWORD", "CREDENTIAL", "URL",
}

// isSensitiveKey reports whether a key name implies a sensitive value.
// URL counts: provisioned connection strings embed credentials.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// EnvSet is the resolved environment for one unit.
type EnvSet struct {
	Unit string
	Vars []EnvVar
}

// Slice returns KEY=value pairs with real values, for the runtime.
func (s EnvSet) Slice() []string {
	out := make([]string, len(s.Vars))
	for i, v := range s.Vars {
		out[i] = v.Key + "=" + v.Value
	}
	return out
}

// RedactedSlice returns display-safe KEY=value pairs.
func (s EnvSet) RedactedSlice() []string {
	out := make([]string, len(s.Vars))
	for i, v := range s.Vars {
		out[i] = v.String()
	}
	return out
}

// ResolveUnitEnv builds the environment for one unit from its declared
// contract.
//
// # Description
//
// Only the keys the unit's contract names are resolved; a unit never
// receives secrets it did not declare. A contract key missing from the
// store is an error, surfaced before any unit starts, because a unit
// booted with a half-populated environment fails in far less obvious
// ways later.
//
// # Outputs
//
//   - EnvSet: Resolved variables sorted by key.
//   - error: Non-nil when a contract key cannot be resolved.
func ResolveUnitEnv(ctx context.Context, store SecretStore, unit string, contract []string) (EnvSet, error) {
	set := EnvSet{Unit: unit, Vars: make([]EnvVar, 0, len(contract))}
	for _, key := range contract {
		desc, err := store.Get(ctx, key)
		if err != nil {
			return EnvSet{}, fmt.Errorf("resolving %s for unit %s: %w", key, unit, err)
		}
		set.Vars = append(set.Vars, EnvVar{
			Key:       key,
			Value:     string(desc.Value),
			Sensitive: isSensitiveKey(key),
		})
	}
	sort.Slice(set.Vars, func(i, j int) bool { return set.Vars[i].Key < set.Vars[j].Key })
	return set, nil
}
