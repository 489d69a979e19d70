/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package pipeline contains the log processing steps applied to every inbound
// event before admission control and storage: validation, noise suppression,
// sensitive-data redaction and producer-system classification.
//
// All components are constructed from immutable rule data and are safe for
// concurrent use.
package pipeline

import (
	"fmt"

	"github.com/tracevault/tracevault/internal/event"
)

// ValidationError describes the first constraint an inbound event violates.
// Its message is safe to return to the caller verbatim.
type ValidationError struct {
	Message string
}

// Error returns a string representation of ValidationError.
func (e *ValidationError) Error() string {
	return e.Message
}

// Validator checks inbound events against the required-field and enum
// constraints of the ingestion contract.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns nil if ev is acceptable for processing, or a
// *ValidationError describing the first failing check. Checks are performed
// in a fixed order: trace_id, message, level, system. It never aggregates
// multiple failures.
func (v *Validator) Validate(ev event.LogEvent) error {
	if ev.TraceID == "" {
		return &ValidationError{Message: "trace_id is required"}
	}
	if ev.Message == "" {
		return &ValidationError{Message: "message is required"}
	}
	if !ev.Level.Valid() {
		return &ValidationError{Message: fmt.Sprintf("Invalid level: %s", ev.Level)}
	}
	if ev.System != "" && !ev.System.Valid() {
		return &ValidationError{Message: fmt.Sprintf("Invalid system: %s", ev.System)}
	}
	return nil
}
