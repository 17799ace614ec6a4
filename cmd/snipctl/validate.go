package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dontdude/snipbox/internal/app"
	"github.com/dontdude/snipbox/internal/domain"
)

// errHasErrors makes the exit status reflect the diagnostics.
var errHasErrors = errors.New("snippet has errors")

var validateCmd = &cobra.Command{
	Use:   "validate <content-file|-> [declarations-file...]",
	Short: "Report diagnostics without running anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := app.Setup(configFlag)
	if err != nil {
		return err
	}
	comp, err := app.NewCompiler(cfg)
	if err != nil {
		return err
	}
	return validate(cmd, comp, args)
}

func validate(cmd *cobra.Command, comp domain.Compiler, args []string) error {
	content, decls, err := readSnippet(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	diags, err := comp.Compile(cmd.Context(), content, decls)
	if err != nil {
		return err
	}
	if diags == nil {
		diags = []domain.Diagnostic{}
	}

	if outputFlag == "text" {
		writeDiagnostics(cmd.OutOrStdout(), diags)
	} else if err := render(cmd.OutOrStdout(), outputFlag, diags); err != nil {
		return err
	}

	if domain.HasErrors(diags) {
		return errHasErrors
	}
	return nil
}
