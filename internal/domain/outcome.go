package domain

import (
	"fmt"
	"time"
)

// OutcomeStatus selects which variant of Outcome is populated.
type OutcomeStatus string

const (
	StatusCompleted        OutcomeStatus = "completed"
	StatusFailed           OutcomeStatus = "failed"
	StatusTimedOut         OutcomeStatus = "timed_out"
	StatusResourceExceeded OutcomeStatus = "resource_exceeded"
)

// ResourceKind names the ceiling a run hit.
type ResourceKind string

const (
	ResourceMemory ResourceKind = "memory"
	ResourceOutput ResourceKind = "output"
	ResourceCPU    ResourceKind = "cpu"
)

// Frame is one user-visible stack frame. Harness and runtime frames never appear here.
type Frame struct {
	Function string   `json:"function"`
	Location Location `json:"location"`
}

func (f Frame) String() string {
	return fmt.Sprintf("%s\n\t%s", f.Function, f.Location)
}

// Outcome is the result of running a snippet. It is request-scoped and never persisted.
type Outcome struct {
	Status OutcomeStatus `json:"status"`

	// Completed
	Value  string `json:"value,omitempty"`
	Type   string `json:"type,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Failed
	ExceptionKind string  `json:"exception_kind,omitempty"`
	Message       string  `json:"message,omitempty"`
	StackTrace    []Frame `json:"stack_trace,omitempty"`

	// ResourceExceeded
	Resource ResourceKind `json:"resource,omitempty"`

	Duration time.Duration `json:"duration"`
}

func Completed(value, typ, stdout, stderr string) Outcome {
	return Outcome{Status: StatusCompleted, Value: value, Type: typ, Stdout: stdout, Stderr: stderr}
}

func Failed(kind, message string, trace []Frame) Outcome {
	return Outcome{Status: StatusFailed, ExceptionKind: kind, Message: message, StackTrace: trace}
}

func TimedOut() Outcome {
	return Outcome{Status: StatusTimedOut}
}

func ResourceExceeded(kind ResourceKind) Outcome {
	return Outcome{Status: StatusResourceExceeded, Resource: kind}
}
