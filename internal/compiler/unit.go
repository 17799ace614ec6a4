package compiler

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dontdude/snipbox/internal/domain"
)

const (
	// EntryPoint is the generated function whose body is the snippet content.
	EntryPoint = "snippetMain"

	// ContentFile is the generated file holding the wrapped content.
	ContentFile = "content.go"

	packageClause = "package main\n\n"
	entryOpen     = "func " + EntryPoint + "() (_ any) {\n"
	entryClose    = "\n\treturn\n}\n"
)

// reserved names belong to the harness and cannot be declared by supporting declarations.
var reserved = map[string]bool{
	"main":           true,
	EntryPoint:       true,
	"harnessdebug":   true,
	"harnessfmt":     true,
	"harnessjson":    true,
	"harnessos":      true,
	"harnessruntime": true,
}

// File is one generated source file of a Unit.
type File struct {
	// Name is the file name inside the generated package.
	Name string
	// Source is the diagnostic source this file's user text maps to.
	Source string
	// Text is the complete file.
	Text string
	// Header is the number of generated lines before the user text.
	Header int
	// Lines is the number of lines of user text.
	Lines int

	lastColumn int
}

// Locate maps a line/column in the generated file to user text.
// Positions in generated lines yield an unknown location.
func (f File) Locate(line, column int) domain.Location {
	l := line - f.Header
	if l < 1 || l > f.Lines {
		return domain.Location{}
	}
	return domain.Location{Source: f.Source, Line: l, Column: column, EndLine: l, EndColumn: column}
}

// clamp is Locate for syntax errors: positions in the generated trailer are
// attributed to the end of the user text, where the missing token belongs.
func (f File) clamp(line, column int) domain.Location {
	if line-f.Header > f.Lines {
		return domain.Location{Source: f.Source, Line: f.Lines, Column: f.lastColumn, EndLine: f.Lines, EndColumn: f.lastColumn}
	}
	return f.Locate(line, column)
}

// userRange reports whether line falls inside the user text.
func (f File) userRange(line int) bool {
	l := line - f.Header
	return l >= 1 && l <= f.Lines
}

// Unit is a complete compilation unit: one Go package made of the supporting
// declarations, one file each, followed by the wrapped content.
type Unit struct {
	Files []File
}

// Content returns the file wrapping the snippet content.
func (u *Unit) Content() File {
	return u.Files[len(u.Files)-1]
}

// Lookup finds a file by generated name.
func (u *Unit) Lookup(name string) (File, bool) {
	base := path.Base(name)
	for _, f := range u.Files {
		if f.Name == base {
			return f, true
		}
	}
	return File{}, false
}

// SourceFiles returns the unit as builder input.
func (u *Unit) SourceFiles() []domain.SourceFile {
	out := make([]domain.SourceFile, 0, len(u.Files))
	for _, f := range u.Files {
		out = append(out, domain.SourceFile{Name: f.Name, Data: []byte(f.Text)})
	}
	return out
}

// DeclarationFile names the generated file for the i-th supporting declaration.
func DeclarationFile(i int) string {
	return fmt.Sprintf("decl_%03d.go", i)
}

// Assemble applies the fixed wrapping template. It is a pure function of its inputs:
// each declaration becomes its own file, the content becomes the body of EntryPoint,
// and allowlisted packages referenced but not imported are imported automatically.
func Assemble(content string, declarations []string) (*Unit, error) {
	declared := make(map[string]bool)
	probes := make([]*ast.File, len(declarations))

	for i, d := range declarations {
		if hasPackageClause(d) {
			return nil, domain.Malformed("declaration %d has its own package clause", i)
		}
		f := probe(packageClause + d)
		for _, name := range topLevelNames(f) {
			if reserved[name] {
				return nil, domain.Malformed("declaration %d redeclares reserved name %q", i, name)
			}
			declared[name] = true
		}
		probes[i] = f
	}

	unit := &Unit{Files: make([]File, 0, len(declarations)+1)}
	for i, d := range declarations {
		head := header(autoImports(probes[i], declared))
		unit.Files = append(unit.Files, newFile(DeclarationFile(i), domain.DeclarationSource(i), head, d, "\n"))
	}

	contentProbe := probe(packageClause + entryOpen + content + entryClose)
	head := header(autoImports(contentProbe, declared)) + entryOpen
	unit.Files = append(unit.Files, newFile(ContentFile, domain.SourceContent, head, content, entryClose))

	return unit, nil
}

func newFile(name, source, head, body, tail string) File {
	last := body
	if i := strings.LastIndexByte(body, '\n'); i >= 0 {
		last = body[i+1:]
	}
	return File{
		Name:       name,
		Source:     source,
		Text:       head + body + tail,
		Header:     strings.Count(head, "\n"),
		Lines:      strings.Count(body, "\n") + 1,
		lastColumn: len(last) + 1,
	}
}

func header(imports []string) string {
	var b strings.Builder
	b.WriteString(packageClause)
	if len(imports) > 0 {
		b.WriteString("import (\n")
		for _, p := range imports {
			fmt.Fprintf(&b, "\t%q\n", p)
		}
		b.WriteString(")\n\n")
	}
	return b.String()
}

// probe parses a file for name resolution only; syntax errors are reported later.
func probe(src string) *ast.File {
	f, _ := parser.ParseFile(token.NewFileSet(), "", src, 0)
	if f == nil {
		return &ast.File{}
	}
	return f
}

func hasPackageClause(src string) bool {
	fset := token.NewFileSet()
	var s scanner.Scanner
	s.Init(fset.AddFile("", -1, len(src)), []byte(src), nil, 0)
	_, tok, _ := s.Scan()
	return tok == token.PACKAGE
}

func topLevelNames(f *ast.File) []string {
	var names []string
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				names = append(names, d.Name.Name)
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.ValueSpec:
					for _, n := range s.Names {
						names = append(names, n.Name)
					}
				case *ast.TypeSpec:
					names = append(names, s.Name.Name)
				}
			}
		}
	}
	return names
}

// autoImports returns the allowlisted packages a file refers to without importing them.
func autoImports(f *ast.File, declared map[string]bool) []string {
	explicit := make(map[string]bool)
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		explicit[name] = true
	}

	set := make(map[string]bool)
	for _, id := range f.Unresolved {
		p, ok := byName[id.Name]
		if !ok || declared[id.Name] || explicit[id.Name] {
			continue
		}
		set[p] = true
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
