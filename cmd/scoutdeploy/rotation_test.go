// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingNotifier captures lifecycle events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(event, name, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event+":"+name)
}

func (n *recordingNotifier) count(event, name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event+":"+name {
			total++
		}
	}
	return total
}

func TestRotateBumpsVersionAndKeepsHistory(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	policy := &RotationPolicy{Interval: 7 * 24 * time.Hour}
	if _, err := store.Put(ctx, "JWT_SECRET", []byte("original"), policy); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewRotationScheduler(store, nil, nil, nil, 32)
	outcome, err := s.Rotate(ctx, RotationRequest{Name: "JWT_SECRET"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if outcome.OldVersion != 1 || outcome.NewVersion != 2 {
		t.Errorf("versions = v%d -> v%d, want v1 -> v2", outcome.OldVersion, outcome.NewVersion)
	}
	if outcome.RequestID == "" {
		t.Error("outcome should carry a request id")
	}

	head, err := store.Get(ctx, "JWT_SECRET")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(head.Value) == "original" {
		t.Error("head still holds the pre-rotation value")
	}
	if head.Policy == nil || head.Policy.Interval != policy.Interval {
		t.Errorf("policy not carried across rotation: %+v", head.Policy)
	}

	// The replaced version stays retrievable.
	old, err := store.GetVersion(ctx, "JWT_SECRET", 1)
	if err != nil {
		t.Fatalf("GetVersion(1): %v", err)
	}
	if string(old.Value) != "original" {
		t.Errorf("v1 value = %q, want %q", old.Value, "original")
	}
}

func TestRotateRefusedWithoutApproval(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	policy := &RotationPolicy{Interval: 30 * 24 * time.Hour, RequireApproval: true}
	if _, err := store.Put(ctx, "ENCRYPTION_KEY", []byte("guarded"), policy); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewRotationScheduler(store, nil, nil, nil, 32)
	if _, err := s.Rotate(ctx, RotationRequest{Name: "ENCRYPTION_KEY"}); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("Rotate without token: %v, want ErrApprovalRequired", err)
	}
	head, _ := store.Get(ctx, "ENCRYPTION_KEY")
	if head.Version != 1 || string(head.Value) != "guarded" {
		t.Error("refused rotation must not touch the secret")
	}

	outcome, err := s.Rotate(ctx, RotationRequest{Name: "ENCRYPTION_KEY", ApprovalToken: "change-7781"})
	if err != nil {
		t.Fatalf("Rotate with token: %v", err)
	}
	if outcome.NewVersion != 2 {
		t.Errorf("NewVersion = %d, want 2", outcome.NewVersion)
	}
}

func TestRotateWithoutPolicy(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	if _, err := store.Put(ctx, "WEB_PORT", []byte("8000"), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewRotationScheduler(store, nil, nil, nil, 32)
	if _, err := s.Rotate(ctx, RotationRequest{Name: "WEB_PORT"}); !errors.Is(err, ErrNoRotationPolicy) {
		t.Errorf("error = %v, want ErrNoRotationPolicy", err)
	}
	if _, err := s.Rotate(ctx, RotationRequest{Name: "MISSING"}); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error = %v, want ErrSecretNotFound", err)
	}
}

func TestRotateExclusivePerSecret(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	policy := &RotationPolicy{Interval: 24 * time.Hour}
	if _, err := store.Put(ctx, "RABBITMQ_PASS", []byte("v1"), policy); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewRotationScheduler(store, nil, nil, nil, 32)

	// Hold the first rotation inside value generation so the second call
	// observes the occupied slot.
	started := make(chan struct{})
	release := make(chan struct{})
	s.generator = func(length int) ([]byte, error) {
		close(started)
		<-release
		return GenerateSecretValue(length)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Rotate(ctx, RotationRequest{Name: "RABBITMQ_PASS"})
		done <- err
	}()
	<-started

	if _, err := s.Rotate(ctx, RotationRequest{Name: "RABBITMQ_PASS"}); !errors.Is(err, ErrRotationInProgress) {
		t.Errorf("concurrent Rotate error = %v, want ErrRotationInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("winning Rotate: %v", err)
	}

	// The slot is released once the winner finishes.
	s.generator = GenerateSecretValue
	if _, err := s.Rotate(ctx, RotationRequest{Name: "RABBITMQ_PASS"}); err != nil {
		t.Fatalf("Rotate after release: %v", err)
	}
}

func TestRotateMarksConsumersForRestart(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	if _, err := store.Put(ctx, "JWT_SECRET", []byte("v1"), &RotationPolicy{Interval: time.Hour}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	marker := NewMemoryRestartMarker()
	notifier := &recordingNotifier{}
	consumers := map[string][]string{"JWT_SECRET": {"web", "scouts"}}
	s := NewRotationScheduler(store, marker, notifier, consumers, 32)

	outcome, err := s.Rotate(ctx, RotationRequest{Name: "JWT_SECRET"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if len(outcome.MarkedUnits) != 2 {
		t.Errorf("MarkedUnits = %v", outcome.MarkedUnits)
	}
	pending := marker.PendingRestarts()
	if len(pending) != 2 || pending[0] != "scouts" || pending[1] != "web" {
		t.Errorf("PendingRestarts = %v, want [scouts web]", pending)
	}
	if notifier.count("rotated", "JWT_SECRET") != 1 {
		t.Errorf("expected one rotated notification, got %v", notifier.events)
	}

	marker.ClearRestarts([]string{"web"})
	if pending := marker.PendingRestarts(); len(pending) != 1 || pending[0] != "scouts" {
		t.Errorf("PendingRestarts after clear = %v", pending)
	}
}

func TestStateOfThresholds(t *testing.T) {
	store := NewMemoryStore(testScope())
	s := NewRotationScheduler(store, nil, nil, nil, 32)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := 10 * time.Hour

	cases := []struct {
		name string
		age  time.Duration
		want RotationState
	}{
		{"fresh", time.Hour, RotationFresh},
		{"just under due soon", 8*time.Hour + 59*time.Minute, RotationFresh},
		{"due soon boundary", 9 * time.Hour, RotationDueSoon},
		{"due boundary", 10 * time.Hour, RotationDue},
		{"long overdue", 48 * time.Hour, RotationDue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s.now = func() time.Time { return base.Add(tc.age) }
			desc := &SecretDescriptor{
				Name:      "JWT_SECRET",
				CreatedAt: base,
				Policy:    &RotationPolicy{Interval: interval},
			}
			if got := s.StateOf(desc); got != tc.want {
				t.Errorf("age %v: state = %s, want %s", tc.age, got, tc.want)
			}
		})
	}

	if got := s.StateOf(&SecretDescriptor{Name: "WEB_PORT", CreatedAt: base}); got != RotationUnmanaged {
		t.Errorf("no policy: state = %s, want unmanaged", got)
	}

	s.acquire("JWT_SECRET")
	defer s.release("JWT_SECRET")
	desc := &SecretDescriptor{Name: "JWT_SECRET", CreatedAt: base, Policy: &RotationPolicy{Interval: interval}}
	if got := s.StateOf(desc); got != RotationRotating {
		t.Errorf("inflight: state = %s, want rotating", got)
	}
}

func TestEvaluateNotifiesWithoutRotating(t *testing.T) {
	store := NewMemoryStore(testScope())
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	plain := &RotationPolicy{Interval: 24 * time.Hour, Notify: true}
	gated := &RotationPolicy{Interval: 24 * time.Hour, RequireApproval: true, Notify: true}
	if _, err := store.Put(ctx, "RABBITMQ_PASS", []byte("old"), plain); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "ENCRYPTION_KEY", []byte("old"), gated); err != nil {
		t.Fatalf("Put: %v", err)
	}

	notifier := &recordingNotifier{}
	s := NewRotationScheduler(store, nil, notifier, nil, 32)

	// RABBITMQ_PASS and ENCRYPTION_KEY are past their interval;
	// JWT_SECRET sits in the due-soon window, 22h into 90% of 24h.
	store.now = func() time.Time { return base.Add(3 * time.Hour) }
	if _, err := store.Put(ctx, "JWT_SECRET", []byte("young"), plain); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.now = func() time.Time { return base.Add(25 * time.Hour) }
	s.now = func() time.Time { return base.Add(25 * time.Hour) }

	if err := s.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if err := s.Evaluate(ctx); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}

	// Scheduler passes never write a version; rotation waits for an
	// explicit request.
	head, err := store.Get(ctx, "RABBITMQ_PASS")
	if err != nil {
		t.Fatalf("Get RABBITMQ_PASS: %v", err)
	}
	if head.Version != 1 || string(head.Value) != "old" {
		t.Errorf("RABBITMQ_PASS v%d %q, want v1 untouched", head.Version, head.Value)
	}
	if got := notifier.count("rotation_due", "RABBITMQ_PASS"); got != 1 {
		t.Errorf("rotation_due notifications = %d, want 1", got)
	}

	// The gated secret asked for approval exactly once.
	gatedHead, _ := store.Get(ctx, "ENCRYPTION_KEY")
	if gatedHead.Version != 1 {
		t.Errorf("ENCRYPTION_KEY version = %d, want 1 (waiting on approval)", gatedHead.Version)
	}
	if got := notifier.count("approval_needed", "ENCRYPTION_KEY"); got != 1 {
		t.Errorf("approval_needed notifications = %d, want 1", got)
	}
	if got := notifier.count("rotation_due", "ENCRYPTION_KEY"); got != 0 {
		t.Errorf("gated secret should warn approval_needed, not rotation_due, got %d", got)
	}

	// The due-soon secret warned exactly once across both passes.
	if got := notifier.count("due_soon", "JWT_SECRET"); got != 1 {
		t.Errorf("due_soon notifications = %d, want 1", got)
	}
	jwtHead, _ := store.Get(ctx, "JWT_SECRET")
	if jwtHead.Version != 1 {
		t.Errorf("JWT_SECRET version = %d, want 1 (due-soon never rotates)", jwtHead.Version)
	}

	// An explicit rotate afterwards still works and resets the window.
	if _, err := s.Rotate(ctx, RotationRequest{Name: "RABBITMQ_PASS"}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	rotated, _ := store.Get(ctx, "RABBITMQ_PASS")
	if rotated.Version != 2 {
		t.Errorf("RABBITMQ_PASS after explicit rotate = v%d, want v2", rotated.Version)
	}
}
