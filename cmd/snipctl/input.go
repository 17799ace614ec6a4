package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dontdude/snipbox/internal/domain"
)

// readSnippet loads content from the first path ("-" is stdin) and declarations from the rest.
func readSnippet(stdin io.Reader, args []string) (string, []string, error) {
	read := func(p string) (string, error) {
		if p == "-" {
			b, err := io.ReadAll(stdin)
			return string(b), err
		}
		b, err := os.ReadFile(p)
		return string(b), err
	}

	content, err := read(args[0])
	if err != nil {
		return "", nil, fmt.Errorf("reading content: %w", err)
	}
	decls := make([]string, 0, len(args)-1)
	for _, p := range args[1:] {
		d, err := read(p)
		if err != nil {
			return "", nil, fmt.Errorf("reading declarations: %w", err)
		}
		decls = append(decls, d)
	}
	return content, decls, nil
}

// render writes v as JSON or YAML. Text output is handled by the caller.
func render(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeDiagnostics(w io.Writer, diags []domain.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintln(w, d)
	}
}

func writeOutcome(w io.Writer, out domain.Outcome) {
	switch out.Status {
	case domain.StatusCompleted:
		if out.Stdout != "" {
			fmt.Fprint(w, out.Stdout)
		}
		fmt.Fprintf(w, "=> %s (%s)\n", out.Value, out.Type)
	case domain.StatusFailed:
		if out.Stdout != "" {
			fmt.Fprint(w, out.Stdout)
		}
		fmt.Fprintf(w, "%s: %s\n", out.ExceptionKind, out.Message)
		for _, f := range out.StackTrace {
			fmt.Fprintf(w, "  at %s (%s)\n", f.Function, f.Location)
		}
	case domain.StatusTimedOut:
		fmt.Fprintln(w, "timed out")
	case domain.StatusResourceExceeded:
		fmt.Fprintf(w, "%s limit exceeded\n", out.Resource)
	}
	fmt.Fprintf(w, "[%s in %s]\n", out.Status, out.Duration)
}
