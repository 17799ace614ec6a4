package main

import (
	"errors"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/dontdude/snipbox/internal/app"
	"github.com/dontdude/snipbox/internal/domain"
)

var (
	timeoutFlag time.Duration
	memoryFlag  string
)

var runCmd = &cobra.Command{
	Use:   "run <content-file|-> [declarations-file...]",
	Short: "Run a snippet in a local Docker sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "wall-clock limit (capped by sandbox.timeout)")
	runCmd.Flags().StringVar(&memoryFlag, "memory", "", "memory limit, e.g. 64m (capped by sandbox.memory)")
}

// requestedLimits turns --timeout and --memory into per-run limits; zero fields take the ceiling.
func requestedLimits() (domain.Limits, error) {
	limits := domain.Limits{Timeout: timeoutFlag}
	if memoryFlag != "" {
		n, err := units.RAMInBytes(memoryFlag)
		if err != nil {
			return domain.Limits{}, fmt.Errorf("--memory: %w", err)
		}
		limits.MemoryBytes = n
	}
	return limits, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := app.Setup(configFlag)
	if err != nil {
		return err
	}
	comp, err := app.NewCompiler(cfg)
	if err != nil {
		return err
	}
	exec, err := app.NewExecutor(cfg, comp)
	if err != nil {
		return err
	}
	return execute(cmd, exec, args)
}

func execute(cmd *cobra.Command, exec domain.Executor, args []string) error {
	content, decls, err := readSnippet(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	limits, err := requestedLimits()
	if err != nil {
		return err
	}

	out, err := exec.Execute(cmd.Context(), content, decls, limits)
	var nce *domain.NotCompilableError
	if errors.As(err, &nce) {
		writeDiagnostics(cmd.ErrOrStderr(), nce.Diagnostics)
		return errHasErrors
	}
	if err != nil {
		return err
	}
	return printOutcome(cmd, out)
}

func printOutcome(cmd *cobra.Command, out domain.Outcome) error {
	if outputFlag == "text" {
		writeOutcome(cmd.OutOrStdout(), out)
		return nil
	}
	return render(cmd.OutOrStdout(), outputFlag, out)
}
