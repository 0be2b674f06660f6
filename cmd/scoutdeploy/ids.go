// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// GenerateID creates a unique identifier for coordinator records.
//
// # Description
//
// Generates a cryptographically random hex string for correlating
// results, snapshots, and log lines. Shorter than a UUID on purpose:
// these IDs appear inline in operator output.
//
// # Outputs
//
//   - string: 16-character hex string (8 random bytes).
//
// # Limitations
//
//   - Collision probability is low but non-zero at very high volumes.
func GenerateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000")))[:16]
	}
	return hex.EncodeToString(b)
}
