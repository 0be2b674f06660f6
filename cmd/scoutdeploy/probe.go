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
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// ProbeKind specifies the mechanism used to test reachability.
type ProbeKind string

const (
	// ProbeTCP tests that a TCP port accepts connections.
	// Only verifies the port is open, not service correctness.
	ProbeTCP ProbeKind = "tcp"

	// ProbeHTTP tests that an HTTP GET returns the expected status.
	// Expects 200 by default.
	ProbeHTTP ProbeKind = "http"
)

// Target identifies one endpoint to probe.
//
// # Description
//
// For ProbeTCP the Address is "host:port". For ProbeHTTP the Address is a
// full URL; a 2xx-range expectation can be overridden per target.
//
// # Examples
//
//	tcp := Target{Name: "timescaledb", Kind: ProbeTCP, Address: "localhost:5432"}
//	web := Target{Name: "web", Kind: ProbeHTTP, Address: "http://localhost:8000/health"}
type Target struct {
	// Name is the human-readable unit name, used in errors and logs.
	Name string

	// Kind selects the probe mechanism.
	Kind ProbeKind

	// Address is host:port (tcp) or a URL (http).
	Address string

	// ExpectedStatus overrides the expected HTTP status (default 200).
	// Ignored for TCP probes.
	ExpectedStatus int
}

// TimeoutError reports that a target never became reachable within its
// deadline. It wraps nothing; callers detect it with errors.As.
type TimeoutError struct {
	Target  Target
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dependency %s (%s %s) not reachable after %v",
		e.Target.Name, e.Target.Kind, e.Target.Address, e.Elapsed.Round(time.Millisecond))
}

// =============================================================================
// INTERFACES
// =============================================================================

// DependencyProbe tests whether external dependencies are reachable.
//
// # Description
//
// Probing is the readiness primitive the orchestrator builds tiers on: a
// unit is considered ready when its probe succeeds. Check performs one
// attempt; WaitReady polls at a fixed interval until success, deadline, or
// cancellation.
//
// # Outputs
//
// WaitReady returns nil on success, *TimeoutError when the deadline
// elapses, and ctx.Err() when cancelled early. Individual attempt failures
// are absorbed by the poll loop and never surface as errors.
//
// # Limitations
//
//   - Reachability only; a reachable port says nothing about correctness.
//
// # Assumptions
//
//   - Poll interval is small relative to the deadline.
type DependencyProbe interface {
	// Check performs a single reachability attempt.
	Check(ctx context.Context, target Target) error

	// WaitReady polls target until it is reachable, the timeout elapses,
	// or ctx is cancelled.
	WaitReady(ctx context.Context, target Target, timeout, interval time.Duration) error
}

// probeHTTPClient abstracts the HTTP client so tests can inject failures.
type probeHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// probeDialer abstracts TCP dialing for the same reason.
type probeDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// =============================================================================
// DEFAULT IMPLEMENTATION
// =============================================================================

// DefaultProbe implements DependencyProbe over real TCP and HTTP.
//
// Safe for concurrent use; it holds no mutable state.
type DefaultProbe struct {
	dialer     probeDialer
	httpClient probeHTTPClient

	// attemptTimeout bounds a single Check attempt.
	attemptTimeout time.Duration
}

// NewDefaultProbe creates a probe with production dialer and HTTP client.
func NewDefaultProbe() *DefaultProbe {
	return &DefaultProbe{
		dialer: &net.Dialer{},
		httpClient: &http.Client{
			Timeout: DefaultProbeAttemptTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		attemptTimeout: DefaultProbeAttemptTimeout,
	}
}

// Check performs a single reachability attempt against target.
//
// # Outputs
//
//   - error: Non-nil when the target is not reachable or the target is
//     malformed. Malformed targets never succeed, so WaitReady on them
//     runs out the clock; validate plans before orchestrating.
func (p *DefaultProbe) Check(ctx context.Context, target Target) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	switch target.Kind {
	case ProbeTCP:
		return p.checkTCP(attemptCtx, target)
	case ProbeHTTP:
		return p.checkHTTP(attemptCtx, target)
	default:
		return fmt.Errorf("unknown probe kind %q for %s", target.Kind, target.Name)
	}
}

// WaitReady polls target until reachable, timed out, or cancelled.
//
// # Description
//
// The first attempt happens immediately; subsequent attempts are spaced by
// interval. The deadline is enforced with a derived context so a slow
// in-flight attempt cannot overrun the budget.
func (p *DefaultProbe) WaitReady(ctx context.Context, target Target, timeout, interval time.Duration) error {
	timeout = EnforceMinTimeout(timeout, MinProbeTimeout)
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if err := p.Check(waitCtx, target); err == nil {
			return nil
		}

		select {
		case <-waitCtx.Done():
			// Distinguish caller cancellation from deadline expiry.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{Target: target, Elapsed: time.Since(start)}
		case <-time.After(interval):
		}
	}
}

func (p *DefaultProbe) checkTCP(ctx context.Context, target Target) error {
	address := strings.TrimPrefix(target.Address, "tcp://")
	if address == "" {
		return fmt.Errorf("no address configured for TCP probe %s", target.Name)
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("tcp probe %s: %w", target.Name, err)
	}
	return conn.Close()
}

func (p *DefaultProbe) checkHTTP(ctx context.Context, target Target) error {
	if target.Address == "" {
		return fmt.Errorf("no URL configured for HTTP probe %s", target.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Address, nil)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", target.Name, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", target.Name, err)
	}
	defer resp.Body.Close()
	// Drain so keep-alive-less transport still releases promptly.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	expected := target.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return fmt.Errorf("http probe %s: status %d (expected %d)", target.Name, resp.StatusCode, expected)
	}
	return nil
}

// =============================================================================
// MOCK IMPLEMENTATION
// =============================================================================

// MockProbe is a configurable DependencyProbe for tests.
//
// All methods can be overridden via function fields; calls are recorded.
type MockProbe struct {
	CheckFunc     func(ctx context.Context, target Target) error
	WaitReadyFunc func(ctx context.Context, target Target, timeout, interval time.Duration) error

	CheckCalls     []Target
	WaitReadyCalls []Target
	mu             sync.Mutex
}

// Check records the call and delegates to CheckFunc if set.
func (m *MockProbe) Check(ctx context.Context, target Target) error {
	m.mu.Lock()
	m.CheckCalls = append(m.CheckCalls, target)
	m.mu.Unlock()

	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, target)
	}
	return nil
}

// WaitReady records the call and delegates to WaitReadyFunc if set.
func (m *MockProbe) WaitReady(ctx context.Context, target Target, timeout, interval time.Duration) error {
	m.mu.Lock()
	m.WaitReadyCalls = append(m.WaitReadyCalls, target)
	m.mu.Unlock()

	if m.WaitReadyFunc != nil {
		return m.WaitReadyFunc(ctx, target, timeout, interval)
	}
	return nil
}

var (
	_ DependencyProbe = (*DefaultProbe)(nil)
	_ DependencyProbe = (*MockProbe)(nil)
)
