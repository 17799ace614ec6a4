package compiler

import (
	"context"
	"errors"
	"go/types"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/snipbox/internal/domain"
)

// emptyImporter resolves every import to an empty package, keeping tests off the toolchain.
type emptyImporter struct{}

func (emptyImporter) Import(p string) (*types.Package, error) {
	pkg := types.NewPackage(p, path.Base(p))
	pkg.MarkComplete()
	return pkg, nil
}

func newTestCompiler(opts ...Option) *Compiler {
	return New(append([]Option{WithImporter(emptyImporter{})}, opts...)...)
}

func TestCompileReturnLiteral(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "return 1;", nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestCompileEmptyContent(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestCompileUndefinedIdentifier(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "return x;", nil)
	require.NoError(t, err)
	require.Len(t, diags, 1)

	d := diags[0]
	assert.Equal(t, domain.SeverityError, d.Severity)
	assert.Equal(t, "undefined: x", d.Message)
	assert.Equal(t, domain.Location{Source: "content", Line: 1, Column: 8, EndLine: 1, EndColumn: 9}, d.Location)
	assert.True(t, domain.HasErrors(diags))
}

func TestCompileResolvesSupportingDeclarations(t *testing.T) {
	decls := []string{
		"type pair struct{ a, b int }",
		"func (p pair) sum() int { return p.a + p.b }",
	}
	diags, err := newTestCompiler().Compile(context.Background(), "p := pair{1, 2}\nreturn p.sum()", decls)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestCompileWarningsAreNotFailures(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "return 1\nreturn 2", nil)
	require.NoError(t, err)
	require.Len(t, diags, 1)

	assert.Equal(t, domain.SeverityWarning, diags[0].Severity)
	assert.Equal(t, "unreachable code", diags[0].Message)
	assert.Equal(t, 2, diags[0].Location.Line)
	assert.False(t, domain.HasErrors(diags))
}

func TestCompileIsDeterministic(t *testing.T) {
	c := newTestCompiler()
	content := "a := 1\nb := undefinedThing\nreturn c + d"
	decls := []string{"func helper() int { return missing }"}

	first, err := c.Compile(context.Background(), content, decls)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Compile(context.Background(), content, decls)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompileOrdersBySourcePosition(t *testing.T) {
	content := "return y + x"
	decls := []string{"var v = missing"}

	diags, err := newTestCompiler().Compile(context.Background(), content, decls)
	require.NoError(t, err)
	require.Len(t, diags, 3)

	assert.Equal(t, "undefined: y", diags[0].Message)
	assert.Equal(t, "undefined: x", diags[1].Message)
	assert.Equal(t, "declarations[0]", diags[2].Location.Source)
	assert.Less(t, diags[0].Location.Column, diags[1].Location.Column)
}

func TestCompileSyntaxErrors(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "x := (1 +\nreturn x", nil)
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	for _, d := range diags {
		assert.Equal(t, domain.SeverityError, d.Severity)
		assert.Equal(t, "content", d.Location.Source)
	}
}

func TestCompileUnclosedBlockPointsAtEndOfContent(t *testing.T) {
	diags, err := newTestCompiler().Compile(context.Background(), "if true {\n\treturn 1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, diags)

	last := diags[len(diags)-1]
	assert.Equal(t, "content", last.Location.Source)
	assert.Equal(t, 2, last.Location.Line)
}

func TestCompileRejectsEscapingContent(t *testing.T) {
	cases := []string{
		"return 1\n}\n\nfunc evil() {",
		"}\nvar leaked = 1\nfunc again() {",
	}
	for _, content := range cases {
		_, err := newTestCompiler().Compile(context.Background(), content, nil)

		var malformed *domain.MalformedInputError
		assert.True(t, errors.As(err, &malformed), content)
	}
}

func TestCompileRejectsOversizedInput(t *testing.T) {
	c := newTestCompiler(WithMaxSourceBytes(16))
	_, err := c.Compile(context.Background(), "return 1", []string{strings.Repeat("// pad\n", 4)})

	var malformed *domain.MalformedInputError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Reason, "limit")
}

func TestCompileDisallowedImport(t *testing.T) {
	decls := []string{"import _ \"os\"\n\nfunc f() int { return 1 }"}
	diags, err := newTestCompiler().Compile(context.Background(), "return f()", decls)
	require.NoError(t, err)
	require.Len(t, diags, 1)

	d := diags[0]
	assert.Equal(t, domain.SeverityError, d.Severity)
	assert.Equal(t, `use of package "os" is not allowed in snippets`, d.Message)
	assert.Equal(t, domain.Location{Source: "declarations[0]", Line: 1, Column: 10, EndLine: 1, EndColumn: 14}, d.Location)
}

func TestCompileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestCompiler().Compile(ctx, "return 1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompileWithStandardLibrary(t *testing.T) {
	if testing.Short() {
		t.Skip("loads export data through the go command")
	}
	diags, err := New().Compile(context.Background(), `return strings.ToUpper(fmt.Sprint("go", 1))`, nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
}
