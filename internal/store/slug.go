package store

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"

	"github.com/dontdude/snipbox/internal/domain"
)

// GeneratedSlugLength is the length of slugs minted for anonymous saves.
const GeneratedSlugLength = 10

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// reservedSlugs collide with fixed routes.
var reservedSlugs = map[string]bool{
	"api":    true,
	"static": true,
}

// ValidateSlug reports whether slug can address a snippet.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) || reservedSlugs[slug] {
		return fmt.Errorf("%w: %q", domain.ErrInvalidSlug, slug)
	}
	return nil
}

const slugAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// slugByteLimit is the largest multiple of len(slugAlphabet) that fits in a byte.
// Random bytes at or above it are redrawn so every symbol is equally likely.
const slugByteLimit = 256 - 256%len(slugAlphabet)

// NewSlug mints a random base-36 slug.
func NewSlug() string {
	slug, err := newSlugFrom(rand.Reader)
	if err != nil {
		panic("store: crypto/rand failed: " + err.Error())
	}
	return slug
}

func newSlugFrom(r io.Reader) (string, error) {
	out := make([]byte, 0, GeneratedSlugLength)
	buf := make([]byte, GeneratedSlugLength)
	for len(out) < GeneratedSlugLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= slugByteLimit {
				continue
			}
			out = append(out, slugAlphabet[int(b)%len(slugAlphabet)])
			if len(out) == GeneratedSlugLength {
				break
			}
		}
	}
	return string(out), nil
}

// prepareSlug mints a slug when none is given and validates it otherwise.
func prepareSlug(slug string, mint func() string) (string, error) {
	if slug == "" {
		return mint(), nil
	}
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	return slug, nil
}

func cloneDeclarations(decls []string) []string {
	if len(decls) == 0 {
		return []string{}
	}
	return append([]string(nil), decls...)
}
