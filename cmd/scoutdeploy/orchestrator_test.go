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
	"strings"
	"sync"
	"testing"
	"time"
)

// eventLog serializes deploy events so ordering can be asserted.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.events {
		if got == e {
			return i
		}
	}
	return -1
}

// recordingRuntime is a UnitRuntime that logs starts and captures env.
type recordingRuntime struct {
	log *eventLog

	mu     sync.Mutex
	envFor map[string][]string
	failOn string
}

func newRecordingRuntime(log *eventLog) *recordingRuntime {
	return &recordingRuntime{log: log, envFor: make(map[string][]string)}
}

func (r *recordingRuntime) Up(ctx context.Context, units []string, env []string) error {
	r.mu.Lock()
	for _, u := range units {
		r.envFor[u] = env
	}
	r.mu.Unlock()
	for _, u := range units {
		r.log.add("up:" + u)
		if u == r.failOn {
			return fmt.Errorf("unit %s failed to start", u)
		}
	}
	return nil
}

func (r *recordingRuntime) env(unit string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envFor[unit]
}

func (r *recordingRuntime) started(unit string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.envFor[unit]
	return ok
}

// loggingProvisioner wraps a provisioner so the ensure step lands in the
// event log.
type loggingProvisioner struct {
	inner SecretProvisioner
	log   *eventLog

	mu    sync.Mutex
	calls int
}

func (p *loggingProvisioner) EnsureSecrets(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	p.log.add("ensure")
	return p.inner.EnsureSecrets(ctx, decls)
}

func testPlan() StackPlan {
	unit := func(name string, tier Tier, env ...string) Unit {
		return Unit{
			Name:        name,
			Tier:        tier,
			Probe:       Target{Name: name, Kind: ProbeTCP, Address: "localhost:1"},
			EnvContract: env,
		}
	}
	schema := unit("schema", TierMigration)
	schema.ProbeOnly = true
	return StackPlan{Units: []Unit{
		unit("db", TierInfrastructure),
		unit("cache", TierInfrastructure),
		unit("infisical", TierSecrets),
		schema,
		unit("api", TierApplication, "DATABASE_URL", "JWT_SECRET"),
		unit("grafana", TierObservability),
	}}
}

func testDecls() []SecretDeclaration {
	return []SecretDeclaration{
		{Name: "DATABASE_URL", Default: "postgresql://scout:scout@db:5432/scout"},
		{Name: "JWT_SECRET"},
	}
}

func newTestOrchestrator(log *eventLog, runtime *recordingRuntime, probe DependencyProbe, prov SecretProvisioner, store SecretStore) *StartupOrchestrator {
	return NewStartupOrchestrator(testPlan(), runtime, probe, prov, store, nil,
		testDecls(), MinTierTimeout, time.Millisecond)
}

func TestDeployRunsTiersInOrder(t *testing.T) {
	log := &eventLog{}
	runtime := newRecordingRuntime(log)
	probe := &MockProbe{
		WaitReadyFunc: func(ctx context.Context, target Target, timeout, interval time.Duration) error {
			log.add("ready:" + target.Name)
			return nil
		},
	}
	store := NewMemoryStore(testScope())
	prov := &loggingProvisioner{inner: newTestProvisioner(store), log: log}

	o := newTestOrchestrator(log, runtime, probe, prov, store)
	result, err := o.Deploy(context.Background(), NewHealthReporter(probe))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !result.Success {
		t.Error("result.Success = false")
	}
	for _, tr := range result.Tiers {
		if tr.Status != TierCompleted {
			t.Errorf("tier %s status = %s, want completed", tr.Tier, tr.Status)
		}
	}

	// A tier's units may start and become ready in any relative order, but
	// no tier starts before the previous one is fully ready.
	ordered := []string{"ready:db", "up:infisical", "ready:infisical", "ensure", "up:api", "ready:api", "up:grafana"}
	for i := 1; i < len(ordered); i++ {
		before, after := log.index(ordered[i-1]), log.index(ordered[i])
		if before == -1 || after == -1 {
			t.Fatalf("missing events %q or %q in %v", ordered[i-1], ordered[i], log.events)
		}
		if before >= after {
			t.Errorf("%q at %d should precede %q at %d", ordered[i-1], before, ordered[i], after)
		}
	}

	if runtime.started("schema") {
		t.Error("probe-only unit must not be started through the runtime")
	}
	if log.index("ready:schema") == -1 {
		t.Error("probe-only unit must still gate its tier")
	}
}

func TestDeployProvisionsExactlyOnce(t *testing.T) {
	log := &eventLog{}
	runtime := newRecordingRuntime(log)
	probe := &MockProbe{}
	store := NewMemoryStore(testScope())
	prov := &loggingProvisioner{inner: newTestProvisioner(store), log: log}

	o := newTestOrchestrator(log, runtime, probe, prov, store)
	if _, err := o.Deploy(context.Background(), NewHealthReporter(probe)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if prov.calls != 1 {
		t.Errorf("EnsureSecrets called %d times, want 1", prov.calls)
	}
}

func TestDeploySecretsReachOnlyContractUnits(t *testing.T) {
	log := &eventLog{}
	runtime := newRecordingRuntime(log)
	probe := &MockProbe{}
	store := NewMemoryStore(testScope())
	prov := &loggingProvisioner{inner: newTestProvisioner(store), log: log}

	o := newTestOrchestrator(log, runtime, probe, prov, store)
	if _, err := o.Deploy(context.Background(), NewHealthReporter(probe)); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	apiEnv := runtime.env("api")
	if len(apiEnv) != 2 {
		t.Fatalf("api env = %v, want exactly the two contract secrets", apiEnv)
	}
	if !strings.HasPrefix(apiEnv[0], "DATABASE_URL=") || !strings.HasPrefix(apiEnv[1], "JWT_SECRET=") {
		t.Errorf("api env keys = %v", apiEnv)
	}

	for _, unit := range []string{"db", "cache", "infisical", "grafana"} {
		if env := runtime.env(unit); len(env) != 0 {
			t.Errorf("unit %s received env %v, want none", unit, env)
		}
	}
}

func TestDeployAbortsWithoutRollback(t *testing.T) {
	log := &eventLog{}
	runtime := newRecordingRuntime(log)
	probe := &MockProbe{
		WaitReadyFunc: func(ctx context.Context, target Target, timeout, interval time.Duration) error {
			if target.Name == "infisical" {
				return &TimeoutError{Target: target, Elapsed: timeout}
			}
			return nil
		},
	}
	store := NewMemoryStore(testScope())
	prov := &loggingProvisioner{inner: newTestProvisioner(store), log: log}

	o := newTestOrchestrator(log, runtime, probe, prov, store)
	result, err := o.Deploy(context.Background(), NewHealthReporter(&MockProbe{}))
	if err == nil {
		t.Fatal("Deploy should fail when the secrets tier never becomes ready")
	}
	if result.Success {
		t.Error("result.Success = true on failed deploy")
	}

	byTier := map[Tier]TierStatus{}
	for _, tr := range result.Tiers {
		byTier[tr.Tier] = tr.Status
	}
	if byTier[TierInfrastructure] != TierCompleted {
		t.Errorf("infrastructure = %s, want completed", byTier[TierInfrastructure])
	}
	if byTier[TierSecrets] != TierFailed {
		t.Errorf("secrets = %s, want failed", byTier[TierSecrets])
	}
	for _, tier := range []Tier{TierMigration, TierApplication, TierObservability} {
		if byTier[tier] != TierSkipped {
			t.Errorf("%s = %s, want skipped", tier, byTier[tier])
		}
	}

	// No rollback: infrastructure stays up, later units never start.
	if !runtime.started("db") || !runtime.started("cache") {
		t.Error("infrastructure units should have been started")
	}
	if runtime.started("api") || runtime.started("grafana") {
		t.Error("units after the failed tier must not start")
	}
	if prov.calls != 0 {
		t.Errorf("EnsureSecrets called %d times before its tier was ready", prov.calls)
	}

	// The final snapshot still covers the whole plan.
	if len(result.Snapshot.Records) != len(testPlan().Units) {
		t.Errorf("snapshot covers %d units, want %d", len(result.Snapshot.Records), len(testPlan().Units))
	}
}

func TestDeployProvisionFailureSkipsLaterTiers(t *testing.T) {
	log := &eventLog{}
	runtime := newRecordingRuntime(log)
	probe := &MockProbe{}
	store := NewMemoryStore(testScope())
	failing := &MockProvisioner{
		EnsureSecretsFunc: func(ctx context.Context, decls []SecretDeclaration) (*EnsureResult, error) {
			result := &EnsureResult{ID: GenerateID()}
			for _, d := range decls {
				result.Records = append(result.Records, EnsureRecord{Name: d.Name, Outcome: OutcomeFailed})
			}
			return result, fmt.Errorf("%w: %v", ErrProvisioningFailed, result.Failed())
		},
	}
	prov := &loggingProvisioner{inner: failing, log: log}

	o := newTestOrchestrator(log, runtime, probe, prov, store)
	result, err := o.Deploy(context.Background(), NewHealthReporter(probe))
	if err == nil {
		t.Fatal("Deploy should fail when provisioning fails")
	}
	if result.Provision == nil {
		t.Fatal("result.Provision should carry the failed ensure result")
	}
	if runtime.started("api") {
		t.Error("application units must not start after provisioning failure")
	}

	byTier := map[Tier]TierStatus{}
	for _, tr := range result.Tiers {
		byTier[tr.Tier] = tr.Status
	}
	if byTier[TierSecrets] != TierCompleted {
		t.Errorf("secrets tier = %s, want completed (the backend was ready)", byTier[TierSecrets])
	}
	if byTier[TierApplication] != TierSkipped {
		t.Errorf("application = %s, want skipped", byTier[TierApplication])
	}
}
