// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultPlanValidates(t *testing.T) {
	plan := DefaultPlan()
	if err := plan.Validate(); err != nil {
		t.Fatalf("DefaultPlan().Validate(): %v", err)
	}
	if len(plan.UnitsInTier(TierInfrastructure)) != 3 {
		t.Errorf("infrastructure units = %v", unitNames(plan.UnitsInTier(TierInfrastructure)))
	}
	for _, tier := range TierOrder {
		if len(plan.UnitsInTier(tier)) == 0 {
			t.Errorf("tier %s has no units", tier)
		}
	}
}

func TestValidateRejectsBrokenPlans(t *testing.T) {
	valid := func() Unit {
		return Unit{
			Name:  "web",
			Tier:  TierApplication,
			Probe: Target{Name: "web", Kind: ProbeHTTP, Address: "http://localhost:8000/health"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*StackPlan)
		wantErr string
	}{
		{
			"duplicate unit",
			func(p *StackPlan) { p.Units = append(p.Units, valid()) },
			"duplicate",
		},
		{
			"unknown tier",
			func(p *StackPlan) { p.Units[0].Tier = "middleware" },
			"unknown tier",
		},
		{
			"unknown probe kind",
			func(p *StackPlan) { p.Units[0].Probe.Kind = "icmp" },
			"probe kind",
		},
		{
			"missing probe address",
			func(p *StackPlan) { p.Units[0].Probe.Address = "" },
			"no probe address",
		},
		{
			"contract outside secret tiers",
			func(p *StackPlan) {
				p.Units[0].Tier = TierInfrastructure
				p.Units[0].EnvContract = []string{"DATABASE_URL"}
			},
			"secret contract",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := StackPlan{Units: []Unit{valid()}}
			tc.mutate(&plan)
			err := plan.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestPlanFromYAML(t *testing.T) {
	data := []byte(`
units:
  - name: timescaledb
    tier: infrastructure
    probe: tcp
    address: localhost:5432
  - name: web
    tier: application
    probe: http
    address: http://localhost:8000/health
    env: [DATABASE_URL, JWT_SECRET]
    readiness_timeout_seconds: 45
`)
	plan, err := PlanFromYAML(data)
	if err != nil {
		t.Fatalf("PlanFromYAML: %v", err)
	}
	if len(plan.Units) != 2 {
		t.Fatalf("units = %d, want 2", len(plan.Units))
	}

	web := plan.Units[1]
	if web.Probe.Kind != ProbeHTTP || web.Probe.Address != "http://localhost:8000/health" {
		t.Errorf("probe target = %+v", web.Probe)
	}
	if web.Probe.Name != "web" {
		t.Errorf("probe name = %s, want unit name", web.Probe.Name)
	}
	if len(web.EnvContract) != 2 {
		t.Errorf("contract = %v", web.EnvContract)
	}
	if web.ReadinessTimeout != 45*time.Second {
		t.Errorf("readiness timeout = %v, want 45s", web.ReadinessTimeout)
	}

	if _, err := PlanFromYAML([]byte("units: [{name: x, tier: nowhere}]")); err == nil {
		t.Error("invalid plan should fail validation")
	}
	if _, err := PlanFromYAML([]byte("{{not yaml")); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestSecretConsumersDerivedFromContracts(t *testing.T) {
	consumers := SecretConsumers(DefaultPlan())

	dbUnits := consumers["DATABASE_URL"]
	if len(dbUnits) != 2 || dbUnits[0] != "scouts" || dbUnits[1] != "web" {
		t.Errorf("DATABASE_URL consumers = %v, want [scouts web]", dbUnits)
	}
	if got := consumers["TELEGRAM_BOT_TOKEN"]; len(got) != 1 || got[0] != "telegram-bot" {
		t.Errorf("TELEGRAM_BOT_TOKEN consumers = %v", got)
	}
	if got := consumers["ENCRYPTION_KEY"]; len(got) != 0 {
		t.Errorf("ENCRYPTION_KEY has no consuming unit, got %v", got)
	}
}

func TestDeclaredSecretsPolicies(t *testing.T) {
	byName := map[string]SecretDeclaration{}
	for _, d := range DeclaredSecrets() {
		byName[d.Name] = d
	}

	enc, ok := byName["ENCRYPTION_KEY"]
	if !ok || enc.Policy == nil || !enc.Policy.RequireApproval {
		t.Errorf("ENCRYPTION_KEY should carry an approval-gated policy: %+v", enc.Policy)
	}
	jwt := byName["JWT_SECRET"]
	if jwt.Policy == nil || jwt.Policy.RequireApproval {
		t.Errorf("JWT_SECRET should rotate without approval: %+v", jwt.Policy)
	}
	if byName["DATABASE_URL"].Default == "" {
		t.Error("DATABASE_URL should have a passthrough default")
	}
	if !byName["ETHERSCAN_API_KEY"].Placeholder {
		t.Error("ETHERSCAN_API_KEY should be a placeholder")
	}
}
