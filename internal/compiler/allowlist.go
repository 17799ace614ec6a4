package compiler

import (
	"path"
	"sort"
)

// allowed is the capability allowlist: the only packages a snippet may import.
// Nothing here reaches the file system, network, process control or reflection.
var allowed = map[string]struct{}{
	"bytes":           {},
	"cmp":             {},
	"container/heap":  {},
	"container/list":  {},
	"container/ring":  {},
	"encoding/base64": {},
	"encoding/hex":    {},
	"encoding/json":   {},
	"errors":          {},
	"fmt":             {},
	"hash/crc32":      {},
	"hash/fnv":        {},
	"iter":            {},
	"maps":            {},
	"math":            {},
	"math/big":        {},
	"math/bits":       {},
	"math/cmplx":      {},
	"math/rand":       {},
	"regexp":          {},
	"slices":          {},
	"sort":            {},
	"strconv":         {},
	"strings":         {},
	"sync":            {},
	"sync/atomic":     {},
	"text/tabwriter":  {},
	"time":            {},
	"unicode":         {},
	"unicode/utf16":   {},
	"unicode/utf8":    {},
}

// byName maps a package's default name to its import path, for automatic imports.
var byName = func() map[string]string {
	m := make(map[string]string, len(allowed))
	for p := range allowed {
		m[path.Base(p)] = p
	}
	return m
}()

// Allowed reports whether a snippet may import the package at importPath.
func Allowed(importPath string) bool {
	_, ok := allowed[importPath]
	return ok
}

// AllowedPackages returns the allowlist in sorted order.
func AllowedPackages() []string {
	out := make([]string, 0, len(allowed))
	for p := range allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
