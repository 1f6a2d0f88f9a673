// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package database

import (
	"errors"
	"strings"
)

// Sentinel errors exposed by the store. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("database: not found")

	// ErrConflict indicates a uniqueness violation on insert. For history
	// writes this means the idempotency key already exists; for sessions
	// it indicates a sequencing defect in the close-before-insert path.
	ErrConflict = errors.New("database: conflict")
)

// isConstraintViolation recognizes DuckDB constraint errors. The driver
// does not expose structured error codes, so this matches the message text
// DuckDB produces for PRIMARY KEY and UNIQUE violations.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "Duplicate key")
}
