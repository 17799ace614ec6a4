package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/snipbox/internal/domain"
)

func TestAssembleWrapsContentInEntryPoint(t *testing.T) {
	unit, err := Assemble("return 1", nil)
	require.NoError(t, err)
	require.Len(t, unit.Files, 1)

	f := unit.Content()
	assert.Equal(t, ContentFile, f.Name)
	assert.Equal(t, "package main\n\nfunc snippetMain() (_ any) {\nreturn 1\n\treturn\n}\n", f.Text)
	assert.Equal(t, 3, f.Header)
	assert.Equal(t, 1, f.Lines)
}

func TestAssembleIsPure(t *testing.T) {
	decls := []string{"type point struct{ x, y int }", "func origin() point { return point{} }"}
	a, err := Assemble("return origin()", decls)
	require.NoError(t, err)
	b, err := Assemble("return origin()", decls)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAssembleDeclarationFiles(t *testing.T) {
	unit, err := Assemble("return double(2)", []string{"func double(n int) int { return n * 2 }"})
	require.NoError(t, err)
	require.Len(t, unit.Files, 2)

	decl := unit.Files[0]
	assert.Equal(t, "decl_000.go", decl.Name)
	assert.Equal(t, "declarations[0]", decl.Source)
	assert.Equal(t, 2, decl.Header)
	assert.True(t, strings.HasSuffix(decl.Text, "func double(n int) int { return n * 2 }\n"))
}

func TestAssembleAutoImports(t *testing.T) {
	unit, err := Assemble("return strings.ToUpper(fmt.Sprint(1))", nil)
	require.NoError(t, err)

	f := unit.Content()
	assert.Contains(t, f.Text, "import (\n\t\"fmt\"\n\t\"strings\"\n)\n")
	assert.Equal(t, 8, f.Header)
}

func TestAssembleSkipsShadowedPackageNames(t *testing.T) {
	unit, err := Assemble("strings := []string{\"a\"}\nreturn len(strings)", nil)
	require.NoError(t, err)
	assert.NotContains(t, unit.Content().Text, "import")

	// A supporting declaration named like a package wins over the automatic import.
	unit, err = Assemble("return sort(3)", []string{"func sort(n int) int { return n }"})
	require.NoError(t, err)
	assert.NotContains(t, unit.Content().Text, "import")
}

func TestAssembleKeepsExplicitImports(t *testing.T) {
	unit, err := Assemble("return nil", []string{"import \"strings\"\n\nfunc up(s string) string { return strings.ToUpper(s) }"})
	require.NoError(t, err)

	decl := unit.Files[0]
	assert.Equal(t, 1, strings.Count(decl.Text, "\"strings\""))
	assert.Equal(t, 2, decl.Header)
}

func TestAssembleRejectsPackageClause(t *testing.T) {
	_, err := Assemble("return 1", []string{"// helpers\npackage util\n\nfunc f() {}"})

	var malformed *domain.MalformedInputError
	require.True(t, errors.As(err, &malformed))
	assert.Contains(t, malformed.Reason, "package clause")
}

func TestAssembleRejectsReservedNames(t *testing.T) {
	for _, decl := range []string{"func main() {}", "var snippetMain = 1", "var harnessruntime = 1"} {
		_, err := Assemble("return 1", []string{decl})

		var malformed *domain.MalformedInputError
		require.True(t, errors.As(err, &malformed), decl)
		assert.Contains(t, malformed.Reason, "reserved")
	}
}

func TestHarnessNamesRuntimeFaultsStably(t *testing.T) {
	unit, err := Assemble("return 1", nil)
	require.NoError(t, err)

	var harness string
	for _, f := range unit.ProgramFiles() {
		if f.Name == HarnessFile {
			harness = string(f.Data)
		}
	}
	require.NotEmpty(t, harness)
	assert.Contains(t, harness, "p.(harnessruntime.Error)")
	assert.Contains(t, harness, `kind = "runtime error"`)
	assert.Contains(t, harness, `harnessfmt.Sprintf("%T", p)`, "other panic values keep their dynamic type")
}

func TestFileLocate(t *testing.T) {
	unit, err := Assemble("x := 1\nreturn x", nil)
	require.NoError(t, err)
	f := unit.Content()

	assert.Equal(t, domain.Location{Source: "content", Line: 2, Column: 8, EndLine: 2, EndColumn: 8}, f.Locate(5, 8))
	assert.False(t, f.Locate(1, 1).Known(), "package clause is generated")
	assert.False(t, f.Locate(6, 2).Known(), "trailing return is generated")

	clamped := f.clamp(7, 1)
	assert.Equal(t, 2, clamped.Line)
	assert.Equal(t, 9, clamped.Column)
}
