package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/snipbox/internal/compiler"
	"github.com/dontdude/snipbox/internal/domain"
)

// DefaultLimits are the operator ceilings used when none are configured.
var DefaultLimits = domain.Limits{
	Timeout:     10 * time.Second,
	MemoryBytes: 128 * 1024 * 1024,
	OutputBytes: 64 * 1024,
}

// Executor compiles, builds and runs snippets in a fresh sandbox per call.
type Executor struct {
	compiler domain.Compiler
	builder  domain.Builder
	runner   domain.ContainerRunner
	ceiling  domain.Limits
	nonce    func() string
}

// Check if Executor implements domain.Executor
var _ domain.Executor = (*Executor)(nil)

// New wires an Executor. Requested limits are clamped at ceiling.
func New(c domain.Compiler, b domain.Builder, r domain.ContainerRunner, ceiling domain.Limits) *Executor {
	return &Executor{
		compiler: c,
		builder:  b,
		runner:   r,
		ceiling:  withDefaults(ceiling),
		nonce:    uuid.NewString,
	}
}

// Execute runs a snippet. Untrusted-code failures come back as Outcome values; the error
// return is reserved for MalformedInputError, NotCompilableError, cancellation and infrastructure faults.
func (e *Executor) Execute(ctx context.Context, content string, declarations []string, limits domain.Limits) (domain.Outcome, error) {
	// 1. Precondition: no Error diagnostics. Nothing is built or started otherwise.
	diags, err := e.compiler.Compile(ctx, content, declarations)
	if err != nil {
		return domain.Outcome{}, err
	}
	if domain.HasErrors(diags) {
		return domain.Outcome{}, &domain.NotCompilableError{Diagnostics: diags}
	}

	unit, err := compiler.Assemble(content, declarations)
	if err != nil {
		return domain.Outcome{}, err
	}

	// 2. Build on the host. Only the binary enters the sandbox.
	art, err := e.builder.Build(ctx, unit.ProgramFiles())
	if err != nil {
		var be *domain.BuildError
		if errors.As(err, &be) {
			return domain.Outcome{}, &domain.NotCompilableError{Diagnostics: []domain.Diagnostic{{
				Severity: domain.SeverityError,
				Message:  strings.TrimSpace(be.Output),
			}}}
		}
		if ctx.Err() != nil {
			return domain.Outcome{}, ctx.Err()
		}
		return domain.Outcome{}, fmt.Errorf("building snippet: %w", err)
	}
	defer art.Cleanup()

	// 3. Run in a fresh isolation context.
	limits = limits.Clamp(e.ceiling)
	nonce := e.nonce()
	rep, err := e.runner.Run(ctx, domain.RunSpec{
		Artifact: art,
		Env:      []string{compiler.NonceEnv + "=" + nonce},
		Limits:   limits,
	})
	if ctx.Err() != nil {
		return domain.Outcome{}, ctx.Err()
	}
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("running snippet: %w", err)
	}

	// 4. Interpret.
	out := interpret(unit, rep, nonce)
	out.Duration = rep.Duration
	slog.Info("Snippet executed", "status", out.Status, "duration", rep.Duration, "exitCode", rep.ExitCode)
	return out, nil
}

func withDefaults(l domain.Limits) domain.Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultLimits.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultLimits.MemoryBytes
	}
	if l.OutputBytes <= 0 {
		l.OutputBytes = DefaultLimits.OutputBytes
	}
	return l
}

// interpret turns a raw run report into an Outcome. Limit hits take precedence over
// whatever the program managed to print.
func interpret(unit *compiler.Unit, rep domain.RunReport, nonce string) domain.Outcome {
	switch {
	case rep.TimedOut:
		return domain.TimedOut()
	case rep.OutputExceeded:
		return domain.ResourceExceeded(domain.ResourceOutput)
	case rep.OOMKilled:
		return domain.ResourceExceeded(domain.ResourceMemory)
	}

	r, stderr, ok := extractReport(rep.Stderr, nonce)
	if ok {
		switch r.Status {
		case "completed":
			return domain.Completed(r.Value, r.Type, string(rep.Stdout), stderr)
		case "failed":
			return domain.Failed(r.Kind, r.Message, userFrames(unit, r.Stack))
		}
	}

	if c, found := parseCrash(stderr); found {
		if strings.Contains(c.message, "out of memory") {
			return domain.ResourceExceeded(domain.ResourceMemory)
		}
		return domain.Failed(c.kind, c.message, userFrames(unit, c.trace))
	}
	if rep.ExitCode != 0 {
		return domain.Failed("exit", exitMessage(rep.ExitCode), nil)
	}
	return domain.Failed("harness", "program finished without reporting a result", nil)
}
