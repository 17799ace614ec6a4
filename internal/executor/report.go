package executor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dontdude/snipbox/internal/compiler"
	"github.com/dontdude/snipbox/internal/domain"
)

// report is the harness's single JSON line, tagged with the run nonce.
type report struct {
	Status  string `json:"status"`
	Value   string `json:"value"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// extractReport finds the nonce-tagged line on stderr and returns it with the
// remaining stderr (the user's own writes).
func extractReport(stderr []byte, nonce string) (report, string, bool) {
	prefix := []byte(nonce + " ")
	idx := bytes.LastIndex(stderr, append([]byte("\n"), prefix...))
	if idx < 0 {
		return report{}, string(stderr), false
	}
	start := idx + 1 + len(prefix)
	end := len(stderr)
	if nl := bytes.IndexByte(stderr[start:], '\n'); nl >= 0 {
		end = start + nl + 1
	}

	var r report
	if err := json.Unmarshal(bytes.TrimSpace(stderr[start:end]), &r); err != nil {
		return report{}, string(stderr), false
	}
	// stderr[idx] is the newline the harness writes before its tag.
	rest := append(append([]byte{}, stderr[:idx]...), stderr[end:]...)
	return r, string(rest), true
}

// crash is what the Go runtime prints when a program dies without the harness reporting.
type crash struct {
	kind    string
	message string
	trace   string
}

// parseCrash recognizes "panic: ..." and "fatal error: ..." tracebacks.
func parseCrash(stderr string) (crash, bool) {
	lines := strings.Split(stderr, "\n")
	for i, line := range lines {
		var c crash
		switch {
		case strings.HasPrefix(line, "panic: "):
			c = crash{kind: "panic", message: strings.TrimSuffix(strings.TrimPrefix(line, "panic: "), " [recovered]")}
		case strings.HasPrefix(line, "fatal error: "):
			c = crash{kind: "fatal error", message: strings.TrimPrefix(line, "fatal error: ")}
		default:
			continue
		}
		c.trace = strings.Join(lines[i+1:], "\n")
		return c, true
	}
	return crash{}, false
}

// userFrames parses a goroutine traceback and keeps frames that point into user files.
// Harness frames, runtime frames and generated wrapper lines are dropped.
func userFrames(unit *compiler.Unit, trace string) []domain.Frame {
	var frames []domain.Frame
	sc := bufio.NewScanner(strings.NewReader(trace))
	var fn string
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "\t") {
			fn = functionName(line)
			continue
		}
		if fn == "" {
			continue
		}
		file, lineNo, ok := fileLine(strings.TrimSpace(line))
		current := fn
		fn = ""
		if !ok || current == "main.main" || strings.HasPrefix(current, "main.main.") {
			continue
		}
		uf, found := unit.Lookup(file)
		if !found {
			continue
		}
		loc := uf.Locate(lineNo, 0)
		if !loc.Known() {
			continue
		}
		frames = append(frames, domain.Frame{Function: displayName(current), Location: loc})
	}
	return frames
}

func functionName(line string) string {
	if line == "" || strings.HasPrefix(line, "goroutine ") || strings.HasPrefix(line, "created by ") {
		return ""
	}
	if i := strings.LastIndex(line, "("); i > 0 {
		return line[:i]
	}
	return line
}

// fileLine parses "path/file.go:12 +0x1d".
func fileLine(s string) (string, int, bool) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], n, true
}

func displayName(fn string) string {
	fn = strings.TrimPrefix(fn, "main.")
	if fn == compiler.EntryPoint || strings.HasPrefix(fn, compiler.EntryPoint+".") {
		return strings.Replace(fn, compiler.EntryPoint, "<snippet>", 1)
	}
	return fn
}

func exitMessage(code int) string {
	return fmt.Sprintf("process exited with status %d", code)
}
