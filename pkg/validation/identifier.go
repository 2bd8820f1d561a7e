// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for values that
// end up inside SQL text.
//
// Values bound as query parameters never need these checks. Identifiers
// (table and schema names) cannot be bound, so they are validated against
// a strict pattern before being interpolated.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned for names that are not safe to
// interpolate into SQL.
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

// identifierPattern matches an unquoted PostgreSQL identifier.
// Allows: letters, digits, underscores; must not start with a digit.
// Max length: 63 bytes (NAMEDATALEN - 1).
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// ValidateSQLIdentifier validates a single unquoted identifier.
//
// Example:
//
//	if err := validation.ValidateSQLIdentifier(column); err != nil {
//	    return fmt.Errorf("bad column: %w", err)
//	}
func ValidateSQLIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateQualifiedName validates a table name with an optional schema,
// e.g. "config_nodes" or "public.config_nodes".
func ValidateQualifiedName(name string) error {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q has more than one qualifier", ErrInvalidIdentifier, name)
	}
	for _, part := range parts {
		if err := ValidateSQLIdentifier(part); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

// SanitizeQualifiedName trims and lowercases name, then validates it.
// PostgreSQL folds unquoted identifiers to lower case, so the result
// names the same table the server would resolve.
func SanitizeQualifiedName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateQualifiedName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
