package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/snipbox/internal/app"
	"github.com/dontdude/snipbox/internal/domain"
)

var waitFlag time.Duration

var submitCmd = &cobra.Command{
	Use:   "submit <content-file|-> [declarations-file...]",
	Short: "Queue a snippet for the worker fleet and wait for its result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "wall-clock limit (capped by sandbox.timeout)")
	submitCmd.Flags().StringVar(&memoryFlag, "memory", "", "memory limit, e.g. 64m (capped by sandbox.memory)")
	submitCmd.Flags().DurationVar(&waitFlag, "wait", time.Minute, "how long to wait for the result (0 returns immediately)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := app.Setup(configFlag)
	if err != nil {
		return err
	}
	return submit(cmd, app.NewQueue(cfg), args)
}

func submit(cmd *cobra.Command, q domain.JobQueue, args []string) error {
	content, decls, err := readSnippet(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	limits, err := requestedLimits()
	if err != nil {
		return err
	}
	job := domain.Job{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Content:      content,
		Declarations: decls,
		Limits:       limits,
	}

	if waitFlag <= 0 {
		if err := q.Publish(cmd.Context(), job); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), waitFlag)
	defer cancel()

	// Subscribe first so the result cannot slip past.
	results, err := q.SubscribeLogs(ctx)
	if err != nil {
		return err
	}
	slog.Info("Publishing job", "jobID", job.ID)
	if err := q.Publish(ctx, job); err != nil {
		return err
	}

	for res := range results {
		if res.JobID != job.ID {
			continue
		}
		if len(res.Diagnostics) > 0 {
			writeDiagnostics(cmd.ErrOrStderr(), res.Diagnostics)
		}
		if res.Error != "" {
			return errors.New(res.Error)
		}
		if res.Outcome == nil {
			return fmt.Errorf("job %s returned no outcome", job.ID)
		}
		return printOutcome(cmd, *res.Outcome)
	}

	// Interrupted rather than timed out: the job is no longer wanted.
	if err := cmd.Context().Err(); err != nil {
		cancelCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		if cerr := q.Cancel(cancelCtx, job.ID); cerr != nil {
			slog.Warn("Failed to cancel job", "jobID", job.ID, "error", cerr)
		}
		return err
	}
	return fmt.Errorf("job %s: no result within %s", job.ID, waitFlag)
}
