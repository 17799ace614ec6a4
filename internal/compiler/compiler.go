package compiler

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dontdude/snipbox/internal/domain"
)

// DefaultMaxSourceBytes bounds the combined size of content and declarations.
const DefaultMaxSourceBytes = 64 * 1024

// Compiler reports diagnostics for snippets using the Go front end (parse + type check).
// It never links or runs anything.
type Compiler struct {
	importer       types.Importer
	maxSourceBytes int
}

// Check if Compiler implements domain.Compiler
var _ domain.Compiler = (*Compiler)(nil)

// Option configures a Compiler.
type Option func(*Compiler)

// WithImporter replaces the default export-data importer.
func WithImporter(imp types.Importer) Option {
	return func(c *Compiler) { c.importer = imp }
}

// WithMaxSourceBytes sets the input size ceiling. Non-positive values keep the default.
func WithMaxSourceBytes(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.maxSourceBytes = n
		}
	}
}

// New returns a Compiler. It is safe for concurrent use.
func New(opts ...Option) *Compiler {
	c := &Compiler{maxSourceBytes: DefaultMaxSourceBytes}
	for _, opt := range opts {
		opt(c)
	}
	if c.importer == nil {
		c.importer = importer.Default()
	}
	c.importer = &lockedImporter{imp: c.importer}
	return c
}

// lockedImporter serializes a types.Importer; the stdlib importers cache packages in an unguarded map.
type lockedImporter struct {
	mu  sync.Mutex
	imp types.Importer
}

func (l *lockedImporter) Import(path string) (*types.Package, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.imp.Import(path)
}

// Compile assembles and checks a snippet. A MalformedInputError is returned when the
// input cannot be turned into a compilation unit; otherwise every issue is a Diagnostic.
func (c *Compiler) Compile(ctx context.Context, content string, declarations []string) ([]domain.Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := len(content)
	for _, d := range declarations {
		size += len(d)
	}
	if size > c.maxSourceBytes {
		return nil, domain.Malformed("source is %d bytes, limit is %d", size, c.maxSourceBytes)
	}

	unit, err := Assemble(content, declarations)
	if err != nil {
		return nil, err
	}

	diags, err := c.Check(ctx, unit)
	if err != nil {
		return nil, err
	}
	slog.Debug("Compiled snippet", "files", len(unit.Files), "diagnostics", len(diags))
	return diags, nil
}

// Check runs the front end over an assembled unit.
func (c *Compiler) Check(ctx context.Context, unit *Unit) ([]domain.Diagnostic, error) {
	fset := token.NewFileSet()
	files := make([]*ast.File, len(unit.Files))
	var diags []domain.Diagnostic
	syntaxErrors := false

	// 1. Parse every file, collecting all syntax errors.
	for i, uf := range unit.Files {
		f, err := parser.ParseFile(fset, uf.Name, uf.Text, parser.AllErrors)
		if err != nil {
			var list scanner.ErrorList
			if !errors.As(err, &list) || f == nil {
				return nil, fmt.Errorf("parsing %s: %w", uf.Name, err)
			}
			syntaxErrors = true
			for _, e := range list {
				diags = append(diags, domain.Diagnostic{
					Severity: domain.SeverityError,
					Message:  e.Msg,
					Location: uf.clamp(e.Pos.Line, e.Pos.Column),
				})
			}
		}
		files[i] = f
	}
	content := files[len(files)-1]

	// 2. The content must stay inside the wrapper.
	if err := checkEnclosed(fset, unit.Content(), content); err != nil {
		return nil, err
	}

	// 3. Capability allowlist on explicit imports.
	for i, f := range files {
		diags = append(diags, disallowedImports(fset, unit.Files[i], f)...)
	}

	if syntaxErrors {
		return normalize(diags), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 4. Type check the whole package.
	conf := types.Config{
		Importer: c.importer,
		Error: func(err error) {
			var te types.Error
			if !errors.As(err, &te) {
				diags = append(diags, domain.Diagnostic{Severity: domain.SeverityError, Message: err.Error()})
				return
			}
			if d, ok := typeDiagnostic(unit, te); ok {
				diags = append(diags, d)
			}
		},
	}
	_, _ = conf.Check("main", fset, files, nil)

	// 5. Lint-level warnings on the content body.
	diags = append(diags, unreachable(fset, unit.Content(), content)...)

	return normalize(diags), nil
}

func disallowedImports(fset *token.FileSet, uf File, f *ast.File) []domain.Diagnostic {
	var diags []domain.Diagnostic
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || Allowed(p) {
			continue
		}
		pos := fset.PositionFor(imp.Path.Pos(), false)
		end := fset.PositionFor(imp.Path.End(), false)
		loc := uf.Locate(pos.Line, pos.Column)
		if loc.Known() {
			loc.EndColumn = end.Column
		}
		diags = append(diags, domain.Diagnostic{
			Severity: domain.SeverityError,
			Message:  fmt.Sprintf("use of package %q is not allowed in snippets", p),
			Location: loc,
		})
	}
	return diags
}

// checkEnclosed rejects content that closes the wrapper early or declares top-level items.
func checkEnclosed(fset *token.FileSet, uf File, f *ast.File) error {
	var entry *ast.FuncDecl
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok == token.IMPORT && !uf.userRange(fset.PositionFor(d.Pos(), false).Line) {
				continue
			}
			return domain.Malformed("content declares top-level %s", d.Tok)
		case *ast.FuncDecl:
			if entry != nil || d.Name.Name != EntryPoint || d.Recv != nil {
				return domain.Malformed("content declares top-level function %q", d.Name.Name)
			}
			entry = d
		case *ast.BadDecl:
			if uf.userRange(fset.PositionFor(d.Pos(), false).Line) {
				return domain.Malformed("content is not a function body")
			}
		}
	}
	if entry == nil || entry.Body == nil {
		return domain.Malformed("content is not a function body")
	}
	if entry.Body.Rbrace.IsValid() && uf.userRange(fset.PositionFor(entry.Body.Rbrace, false).Line) {
		return domain.Malformed("content closes the enclosing function")
	}
	return nil
}

func typeDiagnostic(unit *Unit, te types.Error) (domain.Diagnostic, bool) {
	pos := te.Fset.PositionFor(te.Pos, false)
	uf, ok := unit.Lookup(pos.Filename)
	if !ok {
		return domain.Diagnostic{Severity: domain.SeverityError, Message: te.Msg}, true
	}
	loc := uf.Locate(pos.Line, pos.Column)
	if !loc.Known() && strings.HasSuffix(te.Msg, "imported and not used") {
		// Generated import the user's code shadowed.
		return domain.Diagnostic{}, false
	}
	if loc.Known() {
		loc.EndColumn = pos.Column + tokenLength(uf.Text, pos.Offset)
	}
	return domain.Diagnostic{Severity: domain.SeverityError, Message: te.Msg, Location: loc}, true
}

// tokenLength returns the length of the single-line token starting at offset.
func tokenLength(src string, offset int) int {
	if offset < 0 || offset >= len(src) {
		return 0
	}
	rest := src[offset:]
	fset := token.NewFileSet()
	var s scanner.Scanner
	s.Init(fset.AddFile("", -1, len(rest)), []byte(rest), nil, 0)
	_, tok, lit := s.Scan()
	n := len(lit)
	if lit == "" {
		n = len(tok.String())
	}
	if strings.ContainsRune(rest[:min(n, len(rest))], '\n') {
		return 0
	}
	return n
}

// unreachable flags the first content statement after a top-level return.
func unreachable(fset *token.FileSet, uf File, f *ast.File) []domain.Diagnostic {
	var body *ast.BlockStmt
	for _, decl := range f.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Name.Name == EntryPoint {
			body = fd.Body
		}
	}
	if body == nil {
		return nil
	}
	returned := false
	for _, stmt := range body.List {
		pos := fset.PositionFor(stmt.Pos(), false)
		if !uf.userRange(pos.Line) {
			continue
		}
		if returned {
			loc := uf.Locate(pos.Line, pos.Column)
			return []domain.Diagnostic{{Severity: domain.SeverityWarning, Message: "unreachable code", Location: loc}}
		}
		if _, ok := stmt.(*ast.ReturnStmt); ok {
			returned = true
		}
	}
	return nil
}

// normalize orders diagnostics by source (content, declarations, unknown), line, column, message,
// and drops exact duplicates.
func normalize(diags []domain.Diagnostic) []domain.Diagnostic {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if ra, rb := sourceRank(a.Location), sourceRank(b.Location); ra != rb {
			return ra < rb
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		if a.Location.Column != b.Location.Column {
			return a.Location.Column < b.Location.Column
		}
		return a.Message < b.Message
	})
	out := make([]domain.Diagnostic, 0, len(diags))
	for i, d := range diags {
		if i > 0 && d == diags[i-1] {
			continue
		}
		out = append(out, d)
	}
	return out
}

func sourceRank(l domain.Location) int {
	switch {
	case !l.Known():
		return 1 << 30
	case l.Source == domain.SourceContent:
		return 0
	default:
		var i int
		if _, err := fmt.Sscanf(l.Source, "declarations[%d]", &i); err != nil {
			return 1 << 29
		}
		return i + 1
	}
}
