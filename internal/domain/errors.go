package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a slug or version does not exist.
	ErrNotFound = errors.New("snippet not found")

	// ErrStorageUnavailable wraps backend faults that the caller may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidSlug is returned for slugs that cannot be addressed by URL.
	ErrInvalidSlug = errors.New("invalid slug")
)

// MalformedInputError reports input that cannot be assembled into a compilation unit at all.
// It is distinct from ordinary diagnostics and is never retried.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Reason
}

// Malformed builds a MalformedInputError from a format string.
func Malformed(format string, args ...any) error {
	return &MalformedInputError{Reason: fmt.Sprintf(format, args...)}
}

// NotCompilableError is returned when Execute is called on code with Error diagnostics.
// No sandbox is created in that case.
type NotCompilableError struct {
	Diagnostics []Diagnostic
}

func (e *NotCompilableError) Error() string {
	n := 0
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			n++
		}
	}
	return fmt.Sprintf("snippet does not compile: %d error(s)", n)
}
