package compiler

import "github.com/dontdude/snipbox/internal/domain"

const (
	// HarnessFile is the generated file holding the program entry point.
	HarnessFile = "harness.go"

	// ModulePath is the module the generated program is built as.
	ModulePath = "snippet"

	// NonceEnv carries the per-run report tag. The harness unsets it before user code runs.
	NonceEnv = "SNIPBOX_REPORT_NONCE"

	// RuntimeErrorKind is reported for faults raised by the Go runtime itself
	// (nil map writes, bad indexes, division by zero). Their concrete types are
	// unexported and vary between toolchain releases.
	RuntimeErrorKind = "runtime error"
)

// The harness imports under aliases listed in reserved, so supporting declarations
// can use any ordinary package name at package level. Every helper is a closure inside
// main; user code can reach nothing but main itself, which it cannot call usefully
// without the nonce.
const harnessSource = `package main

import (
	harnessdebug "runtime/debug"
	harnessfmt "fmt"
	harnessjson "encoding/json"
	harnessos "os"
	harnessruntime "runtime"
)

func main() {
	nonce := harnessos.Getenv("` + NonceEnv + `")
	harnessos.Unsetenv("` + NonceEnv + `")
	harnessdebug.SetMaxStack(64 << 20)

	report := func(fields map[string]string) {
		b, _ := harnessjson.Marshal(fields)
		harnessfmt.Fprintf(harnessos.Stderr, "\n%s %s\n", nonce, b)
	}

	defer func() {
		if p := recover(); p != nil {
			kind := harnessfmt.Sprintf("%T", p)
			if _, ok := p.(harnessruntime.Error); ok {
				kind = "` + RuntimeErrorKind + `"
			}
			report(map[string]string{
				"status":  "failed",
				"kind":    kind,
				"message": harnessfmt.Sprint(p),
				"stack":   string(harnessdebug.Stack()),
			})
			harnessos.Exit(2)
		}
	}()

	v := ` + EntryPoint + `()
	report(map[string]string{
		"status": "completed",
		"value":  harnessfmt.Sprintf("%v", v),
		"type":   harnessfmt.Sprintf("%T", v),
	})
}
`

const goModSource = "module " + ModulePath + "\n\ngo 1.22\n"

// ProgramFiles returns the unit plus the harness and module file: everything the builder needs.
func (u *Unit) ProgramFiles() []domain.SourceFile {
	return append(u.SourceFiles(),
		domain.SourceFile{Name: HarnessFile, Data: []byte(harnessSource)},
		domain.SourceFile{Name: "go.mod", Data: []byte(goModSource)},
	)
}
