package domain

import (
	"context"
	"fmt"
	"strings"
)

// Severity ranks a diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Source names for diagnostic locations.
const (
	SourceContent = "content"
	SourceUnknown = ""
)

// DeclarationSource names the i-th supporting declaration.
func DeclarationSource(i int) string {
	return fmt.Sprintf("declarations[%d]", i)
}

// Location is a 1-based span inside the content or one supporting declaration.
// A zero Line means the diagnostic could not be attributed to user text.
type Location struct {
	Source    string `json:"source,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	EndColumn int    `json:"end_column,omitempty"`
}

// Known reports whether the location points into user text.
func (l Location) Known() bool {
	return l.Source != SourceUnknown && l.Line > 0
}

func (l Location) String() string {
	if !l.Known() {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", l.Source, l.Line, l.Column)
}

// Diagnostic is one compiler-reported issue.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Location, d.Severity, d.Message)
}

// HasErrors is the compile success predicate: warnings and infos do not fail a compile.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Compiler produces diagnostics for a snippet without running it.
type Compiler interface {
	Compile(ctx context.Context, content string, declarations []string) ([]Diagnostic, error)
}
