package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	configFlag string
	outputFlag string
)

var rootCmd = &cobra.Command{
	Use:   "snipctl",
	Short: "snipctl - check and run Go snippets from the terminal",
	Long: `snipctl validates snippets with the same front end the server uses,
runs them in a local Docker sandbox, or submits them to a worker fleet.

A snippet is a function body that returns a value. Supporting declarations
are passed as extra files, one declaration set per file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to snipbox.yaml")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(validateCmd, runCmd, submitCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
