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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrApprovalRequired is returned when a secret's policy demands an
// approval token and the rotation request carries none.
var ErrApprovalRequired = errors.New("rotation requires approval")

// ErrRotationInProgress is returned when a rotation is already running
// for the same secret. Distinct secrets rotate concurrently.
var ErrRotationInProgress = errors.New("rotation already in progress")

// ErrNoRotationPolicy is returned when rotation is requested for a secret
// that has no policy attached.
var ErrNoRotationPolicy = errors.New("secret has no rotation policy")

// =============================================================================
// TYPES
// =============================================================================

// RotationState is the lifecycle position of a secret version.
//
// A version moves Fresh -> DueSoon -> Due as its age approaches the policy
// interval, becomes Rotating while a new version is being written, and the
// replacement version starts Fresh again.
type RotationState string

const (
	// RotationFresh means the version is well within its interval.
	RotationFresh RotationState = "fresh"

	// RotationDueSoon means the version has consumed 90% of its interval.
	RotationDueSoon RotationState = "due_soon"

	// RotationDue means the interval has fully elapsed.
	RotationDue RotationState = "due"

	// RotationRotating means a replacement version is being written now.
	RotationRotating RotationState = "rotating"

	// RotationUnmanaged means the secret carries no rotation policy.
	RotationUnmanaged RotationState = "unmanaged"
)

// dueSoonFraction is the share of the interval after which the early
// warning fires.
const dueSoonFraction = 0.9

// RotationRequest is an explicit operator request to rotate one secret.
type RotationRequest struct {
	// Name is the secret to rotate.
	Name string

	// ApprovalToken is the out-of-band approval, required only when the
	// policy says so. Presence is checked; issuance and verification of
	// token contents live outside the coordinator.
	ApprovalToken string
}

// RotationOutcome reports one completed rotation.
type RotationOutcome struct {
	// RequestID correlates the rotation across logs and notifications.
	RequestID string

	Name       string
	OldVersion int
	NewVersion int
	RotatedAt  time.Time

	// MarkedUnits lists consuming units flagged for restart.
	MarkedUnits []string
}

// RestartMarker records which units must be restarted to pick up a new
// secret version. The compose executor consumes the marks on `restart`.
type RestartMarker interface {
	// MarkForRestart flags units as stale.
	MarkForRestart(units []string)

	// PendingRestarts returns the currently flagged units, sorted.
	PendingRestarts() []string

	// ClearRestarts unflags units after they have been restarted.
	ClearRestarts(units []string)
}

// =============================================================================
// SCHEDULER
// =============================================================================

// RotationScheduler drives the secret rotation lifecycle.
//
// # Description
//
// The scheduler evaluates tracked secrets against their policies, emits
// early-warning notifications, enforces approval gating and per-secret
// exclusivity, and performs the rotate itself: generate a value, write the
// next version, mark consumers for restart, notify.
//
// Exclusivity is per secret name. Concurrent Rotate calls for the same
// name serialize down to one winner; the losers get ErrRotationInProgress
// without blocking. Calls for different names proceed in parallel.
//
// # Thread Safety
//
// Safe for concurrent use.
type RotationScheduler struct {
	store     SecretStore
	marker    RestartMarker
	notifier  Notifier
	generator ValueGenerator

	// consumers maps secret name -> units that read it.
	consumers map[string][]string

	// generateLength is the byte length of rotated values.
	generateLength int

	// now is injectable for state-machine tests.
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	// warned tracks names already notified for the current due-soon
	// window, reset when the secret rotates.
	warned map[string]bool
}

// NewRotationScheduler creates a scheduler over store.
//
// consumers maps each secret name to the units that must restart when it
// rotates; names without an entry rotate silently. marker and notifier
// may be nil for callers that only need StateOf/Rotate semantics.
func NewRotationScheduler(store SecretStore, marker RestartMarker, notifier Notifier, consumers map[string][]string, generateLength int) *RotationScheduler {
	if generateLength < 16 {
		generateLength = 32
	}
	return &RotationScheduler{
		store:          store,
		marker:         marker,
		notifier:       notifier,
		generator:      GenerateSecretValue,
		consumers:      consumers,
		generateLength: generateLength,
		now:            time.Now,
		inflight:       make(map[string]bool),
		warned:         make(map[string]bool),
	}
}

// StateOf computes the rotation state of a secret version.
//
// A nil or zero-interval policy yields RotationUnmanaged. A version being
// rotated right now reports RotationRotating regardless of age.
func (s *RotationScheduler) StateOf(desc *SecretDescriptor) RotationState {
	s.mu.Lock()
	rotating := s.inflight[desc.Name]
	s.mu.Unlock()
	if rotating {
		return RotationRotating
	}

	if desc.Policy == nil || desc.Policy.Interval <= 0 {
		return RotationUnmanaged
	}

	age := s.now().Sub(desc.CreatedAt)
	interval := desc.Policy.Interval
	switch {
	case age >= interval:
		return RotationDue
	case float64(age) >= float64(interval)*dueSoonFraction:
		return RotationDueSoon
	default:
		return RotationFresh
	}
}

// Rotate performs one rotation for req.Name.
//
// # Description
//
// Validates the policy gate, acquires the per-name rotation slot, writes
// the next version with a freshly generated value, marks consumers for
// restart, and notifies. The slot is released on every path.
//
// # Outputs
//
//   - *RotationOutcome: Non-nil on success.
//   - error: ErrSecretNotFound, ErrNoRotationPolicy, ErrApprovalRequired,
//     ErrRotationInProgress, or a wrapped store error.
func (s *RotationScheduler) Rotate(ctx context.Context, req RotationRequest) (*RotationOutcome, error) {
	head, err := s.store.Get(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if head.Policy == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRotationPolicy, req.Name)
	}
	if head.Policy.RequireApproval && req.ApprovalToken == "" {
		rotationTotal.WithLabelValues("refused").Inc()
		return nil, fmt.Errorf("%w: %s", ErrApprovalRequired, req.Name)
	}

	if !s.acquire(req.Name) {
		rotationTotal.WithLabelValues("contended").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRotationInProgress, req.Name)
	}
	defer s.release(req.Name)

	value, err := s.generator(s.generateLength)
	if err != nil {
		rotationTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("rotating %s: %w", req.Name, err)
	}
	next, err := s.store.Put(ctx, req.Name, value, head.Policy)
	if err != nil {
		rotationTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("rotating %s: %w", req.Name, err)
	}

	outcome := &RotationOutcome{
		RequestID:   uuid.NewString(),
		Name:        req.Name,
		OldVersion:  head.Version,
		NewVersion:  next.Version,
		RotatedAt:   next.CreatedAt,
		MarkedUnits: s.consumers[req.Name],
	}
	if s.marker != nil && len(outcome.MarkedUnits) > 0 {
		s.marker.MarkForRestart(outcome.MarkedUnits)
	}
	if s.notifier != nil {
		s.notifier.Notify("rotated", req.Name,
			fmt.Sprintf("v%d -> v%d (request %s)", outcome.OldVersion, outcome.NewVersion, outcome.RequestID))
	}

	s.mu.Lock()
	delete(s.warned, req.Name)
	s.mu.Unlock()

	rotationTotal.WithLabelValues("rotated").Inc()
	return outcome, nil
}

// Evaluate runs one scheduler pass over every managed secret.
//
// The pass only observes and notifies; it never writes a version. DueSoon
// secrets with Notify policies get a single early warning per window. Due
// secrets get a rotation-due notification, or an approval-needed one when
// the policy is gated, and are left for an operator to rotate explicitly.
func (s *RotationScheduler) Evaluate(ctx context.Context) error {
	secrets, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("rotation evaluation: %w", err)
	}

	for i := range secrets {
		desc := &secrets[i]
		switch s.StateOf(desc) {
		case RotationDueSoon:
			s.warnOnce(desc)
		case RotationDue:
			if desc.Policy.RequireApproval {
				s.warnApproval(desc)
				continue
			}
			s.warnDue(desc)
		}
	}
	return nil
}

// Run evaluates on a fixed tick until ctx is cancelled.
func (s *RotationScheduler) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Evaluate(ctx); err != nil && s.notifier != nil {
				s.notifier.Notify("evaluation_failed", "", err.Error())
			}
		}
	}
}

// acquire takes the rotation slot for name. Non-blocking.
func (s *RotationScheduler) acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *RotationScheduler) release(name string) {
	s.mu.Lock()
	delete(s.inflight, name)
	s.mu.Unlock()
}

// warnOnce emits the due-soon notification a single time per window.
func (s *RotationScheduler) warnOnce(desc *SecretDescriptor) {
	if s.notifier == nil || !desc.Policy.Notify {
		return
	}
	s.mu.Lock()
	already := s.warned[desc.Name]
	s.warned[desc.Name] = true
	s.mu.Unlock()
	if already {
		return
	}
	s.notifier.Notify("due_soon", desc.Name,
		fmt.Sprintf("v%d approaching rotation interval %v", desc.Version, desc.Policy.Interval))
}

// warnDue notifies that a secret's interval has fully elapsed. Rotation
// itself stays with the operator; the scheduler never writes a version.
func (s *RotationScheduler) warnDue(desc *SecretDescriptor) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	already := s.warned[desc.Name]
	s.warned[desc.Name] = true
	s.mu.Unlock()
	if already {
		return
	}
	s.notifier.Notify("rotation_due", desc.Name,
		fmt.Sprintf("v%d exceeded rotation interval %v, run `scoutdeploy secrets rotate %s`", desc.Version, desc.Policy.Interval, desc.Name))
}

// warnApproval notifies that a due secret is waiting on approval.
func (s *RotationScheduler) warnApproval(desc *SecretDescriptor) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	already := s.warned[desc.Name]
	s.warned[desc.Name] = true
	s.mu.Unlock()
	if already {
		return
	}
	s.notifier.Notify("approval_needed", desc.Name,
		fmt.Sprintf("v%d is due but rotation requires approval", desc.Version))
}

// =============================================================================
// RESTART MARKER
// =============================================================================

// MemoryRestartMarker is the in-process RestartMarker.
type MemoryRestartMarker struct {
	mu      sync.Mutex
	pending map[string]bool
}

// NewMemoryRestartMarker creates an empty marker.
func NewMemoryRestartMarker() *MemoryRestartMarker {
	return &MemoryRestartMarker{pending: make(map[string]bool)}
}

// MarkForRestart flags units as needing a restart.
func (m *MemoryRestartMarker) MarkForRestart(units []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		m.pending[u] = true
	}
}

// PendingRestarts returns flagged units, sorted.
func (m *MemoryRestartMarker) PendingRestarts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := make([]string, 0, len(m.pending))
	for u := range m.pending {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

// ClearRestarts unflags units.
func (m *MemoryRestartMarker) ClearRestarts(units []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		delete(m.pending, u)
	}
}

var _ RestartMarker = (*MemoryRestartMarker)(nil)
