package domain

import (
	"context"
	"fmt"
	"time"
)

// Limits bounds a single execution.
type Limits struct {
	Timeout     time.Duration `json:"timeout"`
	MemoryBytes int64         `json:"memory_bytes"`
	OutputBytes int64         `json:"output_bytes"`
}

// Clamp caps requested limits at the operator ceiling. Zero fields take the ceiling.
func (l Limits) Clamp(ceiling Limits) Limits {
	out := l
	if out.Timeout <= 0 || out.Timeout > ceiling.Timeout {
		out.Timeout = ceiling.Timeout
	}
	if out.MemoryBytes <= 0 || out.MemoryBytes > ceiling.MemoryBytes {
		out.MemoryBytes = ceiling.MemoryBytes
	}
	if out.OutputBytes <= 0 || out.OutputBytes > ceiling.OutputBytes {
		out.OutputBytes = ceiling.OutputBytes
	}
	return out
}

// SourceFile is one file of a program handed to the builder.
type SourceFile struct {
	Name string
	Data []byte
}

// Artifact is a built program on the host filesystem.
type Artifact struct {
	// Dir holds the binary and is mounted read-only into the sandbox.
	Dir string
	// Binary is the file name inside Dir.
	Binary string
	// Cleanup removes Dir.
	Cleanup func()
}

// Builder turns a program's sources into an executable artifact.
type Builder interface {
	Build(ctx context.Context, files []SourceFile) (Artifact, error)
}

// BuildError is returned when the toolchain rejects a program that passed type checking.
type BuildError struct {
	Output string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed: %s", e.Output)
}

// RunSpec describes one sandboxed process.
type RunSpec struct {
	Artifact Artifact
	Env      []string
	Limits   Limits
}

// RunReport is the raw observation of one sandboxed process.
// Interpretation into an Outcome is the executor's job.
type RunReport struct {
	Stdout         []byte
	Stderr         []byte
	ExitCode       int
	TimedOut       bool
	OOMKilled      bool
	OutputExceeded bool
	Duration       time.Duration
}

// ContainerRunner defines the contract for executing a built program within an isolated container.
// Every call must use a fresh isolation context that is torn down before Run returns.
type ContainerRunner interface {
	// Run executes the artifact under the given limits.
	// It returns an error only for infrastructure faults; limit hits are reported in RunReport.
	Run(ctx context.Context, spec RunSpec) (RunReport, error)
}

// Executor runs snippets that compile cleanly.
type Executor interface {
	Execute(ctx context.Context, content string, declarations []string, limits Limits) (Outcome, error)
}
