// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// operations.
//
// This package validates user-provided names before they reach backend
// query paths or subprocess argument lists, preventing injection through
// secret names and compose service names.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// secretNamePattern matches env-style secret names: uppercase start,
// then uppercase letters, digits, underscores. Max 64 characters.
var secretNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

// unitNamePattern matches compose service names: lowercase start, then
// lowercase letters, digits, hyphens, underscores. Max 63 characters.
var unitNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,62}$`)

// ValidateSecretName validates a secret name before it reaches backend
// paths or process environments.
//
// Valid names:
//   - 1-64 characters
//   - Uppercase letters, digits, underscores
//   - Must start with a letter
//
// Example:
//
//	if err := validation.ValidateSecretName(name); err != nil {
//	    return fmt.Errorf("invalid secret name: %w", err)
//	}
func ValidateSecretName(name string) error {
	if name == "" {
		return fmt.Errorf("secret name cannot be empty")
	}
	if !secretNamePattern.MatchString(name) {
		return fmt.Errorf("invalid secret name: %q (must be 1-64 uppercase alphanumeric or underscore chars, starting with a letter)", name)
	}
	return nil
}

// ValidateUnitName validates a compose service name before it becomes a
// subprocess argument.
func ValidateUnitName(name string) error {
	if name == "" {
		return fmt.Errorf("unit name cannot be empty")
	}
	if !unitNamePattern.MatchString(name) {
		return fmt.Errorf("invalid unit name: %q (must be 1-63 lowercase alphanumeric, hyphen, or underscore chars, starting with a letter)", name)
	}
	return nil
}

// SanitizeSecretName normalizes and validates a secret name.
// Returns the uppercase name if valid.
func SanitizeSecretName(name string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if err := ValidateSecretName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
