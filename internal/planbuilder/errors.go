// Package planbuilder compiles a user-authored PlanSpec into an immutable,
// validated PlanInstance topology (§4.1).
package planbuilder

import "strings"

// ValidationError reports that a plan spec failed structural validation.
// Mirrors the teacher's TaskError/ExecutionError shape: a human-readable
// message plus a flat list of individual failure details.
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

func newValidationError(message string, details ...string) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}
