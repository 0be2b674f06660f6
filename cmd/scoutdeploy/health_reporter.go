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
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// HealthState is the observed state of one unit.
type HealthState string

const (
	// HealthUp means the unit answered its probe.
	HealthUp HealthState = "up"

	// HealthDown means the probe reached out and was refused or wrong.
	HealthDown HealthState = "down"

	// HealthUnknown means the check itself could not run to completion,
	// usually cancellation.
	HealthUnknown HealthState = "unknown"
)

// HealthRecord is the check result for one unit.
type HealthRecord struct {
	Unit        string
	State       HealthState
	Detail      string
	Latency     time.Duration
	LastChecked time.Time
}

// HealthSnapshot is one complete pass over the stack.
type HealthSnapshot struct {
	ID      string
	Records []HealthRecord
	TakenAt time.Time
}

// Overall reduces a snapshot to a single state.
//
// Up iff every record is Up; an empty snapshot is Up. Any Down wins over
// Unknown because Down is actionable and Unknown is not.
func (s HealthSnapshot) Overall() HealthState {
	overall := HealthUp
	for _, r := range s.Records {
		switch r.State {
		case HealthDown:
			return HealthDown
		case HealthUnknown:
			overall = HealthUnknown
		}
	}
	return overall
}

// LogTailer fetches the last lines of a unit's log for remediation hints.
type LogTailer interface {
	TailLogs(ctx context.Context, unit string, lines int) (string, error)
}

// =============================================================================
// REPORTER
// =============================================================================

// HealthReporter produces health snapshots for the stack.
//
// # Description
//
// Check is a pure observation: it probes every unit concurrently, never
// mutates anything, and never fails: units whose checks cannot complete
// are reported Unknown rather than erroring the whole pass. Record order
// matches the input unit order.
//
// # Thread Safety
//
// Safe for concurrent use.
type HealthReporter struct {
	probe DependencyProbe
}

// NewHealthReporter creates a reporter over probe.
func NewHealthReporter(probe DependencyProbe) *HealthReporter {
	return &HealthReporter{probe: probe}
}

// Check probes every unit once, concurrently.
func (h *HealthReporter) Check(ctx context.Context, units []Unit) HealthSnapshot {
	snapshot := HealthSnapshot{
		ID:      GenerateID(),
		Records: make([]HealthRecord, len(units)),
		TakenAt: time.Now(),
	}

	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(idx int, unit Unit) {
			defer wg.Done()
			snapshot.Records[idx] = h.checkOne(ctx, unit)
		}(i, u)
	}
	wg.Wait()

	for _, r := range snapshot.Records {
		healthChecksTotal.WithLabelValues(string(r.State)).Inc()
	}
	return snapshot
}

func (h *HealthReporter) checkOne(ctx context.Context, unit Unit) HealthRecord {
	start := time.Now()
	rec := HealthRecord{Unit: unit.Name, LastChecked: start}

	err := h.probe.Check(ctx, unit.Probe)
	rec.Latency = time.Since(start)
	switch {
	case err == nil:
		rec.State = HealthUp
		rec.Detail = fmt.Sprintf("%s %s reachable", unit.Probe.Kind, unit.Probe.Address)
	case ctx.Err() != nil:
		rec.State = HealthUnknown
		rec.Detail = "check cancelled"
	default:
		rec.State = HealthDown
		rec.Detail = err.Error()
	}
	return rec
}

// =============================================================================
// RENDERING
// =============================================================================

// hintLogLines is how much log tail a remediation hint includes.
const hintLogLines = 20

// RenderHealthMatrix formats a snapshot for the terminal.
//
// Down units get a remediation hint with the tail of their logs when a
// tailer is available; tail failures degrade to the bare hint rather
// than obscuring the health result.
func RenderHealthMatrix(ctx context.Context, snapshot HealthSnapshot, tailer LogTailer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "health snapshot %s (%s)\n", snapshot.ID, snapshot.TakenAt.Format(time.RFC3339))

	for _, r := range snapshot.Records {
		fmt.Fprintf(&b, "  %-14s %-8s %6s  %s\n",
			r.Unit, strings.ToUpper(string(r.State)), r.Latency.Round(time.Millisecond), r.Detail)
		if r.State != HealthDown {
			continue
		}
		fmt.Fprintf(&b, "    hint: inspect `scoutdeploy logs %s`", r.Unit)
		if tailer != nil {
			if tail, err := tailer.TailLogs(ctx, r.Unit, hintLogLines); err == nil && tail != "" {
				b.WriteString("\n")
				for _, line := range strings.Split(strings.TrimRight(tail, "\n"), "\n") {
					fmt.Fprintf(&b, "      | %s\n", line)
				}
				continue
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "overall: %s\n", strings.ToUpper(string(snapshot.Overall())))
	return b.String()
}
