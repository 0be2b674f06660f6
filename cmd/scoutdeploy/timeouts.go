// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "time"

// Timeout floors and defaults for coordinator operations. Floors exist so
// a mistyped config value cannot produce a sub-second budget that makes
// every probe or backend call fail instantly.
const (
	// DefaultProbeAttemptTimeout bounds one TCP dial or HTTP GET.
	DefaultProbeAttemptTimeout = 5 * time.Second

	// DefaultProbeInterval spaces readiness poll attempts.
	DefaultProbeInterval = 2 * time.Second

	// MinProbeTimeout is the floor for a WaitReady budget.
	MinProbeTimeout = 5 * time.Second

	// MinTierTimeout is the floor for a tier readiness budget.
	MinTierTimeout = 10 * time.Second

	// MinStoreRequestTimeout is the floor for a secrets-backend call.
	MinStoreRequestTimeout = 2 * time.Second

	// DefaultRuntimeCommandTimeout bounds compose invocations that have no
	// caller-supplied deadline (pull-heavy "up" runs excepted).
	DefaultRuntimeCommandTimeout = 2 * time.Minute
)

// Provisioning retry schedule. Base doubles each attempt and is capped;
// five attempts means worst-case roughly 2+4+8+16 seconds of waiting.
const (
	ProvisionBackoffBase = 2 * time.Second
	ProvisionBackoffCap  = 60 * time.Second
	ProvisionMaxAttempts = 5
)

// EnforceMinTimeout clamps a configured timeout to at least floor.
// Zero and negative values also clamp, so "unset" gets the floor too.
func EnforceMinTimeout(timeout, floor time.Duration) time.Duration {
	if timeout < floor {
		return floor
	}
	return timeout
}
