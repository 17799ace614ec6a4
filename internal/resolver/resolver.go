// Package resolver maps external (slug, version) addresses onto stored snippets.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dontdude/snipbox/internal/domain"
)

// Kind selects which field of a Resolution is meaningful.
type Kind int

const (
	NotFound Kind = iota
	Show
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Show:
		return "show"
	case Redirect:
		return "redirect"
	default:
		return "not_found"
	}
}

// Resolution is the outcome of resolving an address.
type Resolution struct {
	Kind Kind
	// Snippet is set for Show.
	Snippet domain.Snippet
	// Version is the redirect target for Redirect; 0 means the versionless address.
	Version int
	// Permanent marks redirects that clients should store.
	Permanent bool
}

// Resolver sits in front of a VersionStore.
type Resolver struct {
	store domain.VersionStore
}

func New(store domain.VersionStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve handles an address with an optional version. A requested version <= 1 is
// never shown directly: it canonicalizes to the versionless address.
func (r *Resolver) Resolve(ctx context.Context, slug string, requested *int) (Resolution, error) {
	if requested != nil && *requested <= 1 {
		return Resolution{Kind: Redirect, Version: 0, Permanent: true}, nil
	}

	version := 1
	if requested != nil {
		version = *requested
	}

	snip, err := r.store.GetVersion(ctx, slug, version)
	if errors.Is(err, domain.ErrNotFound) {
		return Resolution{Kind: NotFound}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolving %s: %w", Path(slug, version), err)
	}
	return Resolution{Kind: Show, Snippet: snip}, nil
}

// Latest redirects to the newest version. The redirect is temporary because the target moves.
func (r *Resolver) Latest(ctx context.Context, slug string) (Resolution, error) {
	latest, err := r.store.GetLatestVersion(ctx, slug)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolving latest of %s: %w", slug, err)
	}
	if latest < 1 {
		return Resolution{Kind: NotFound}, nil
	}
	return Resolution{Kind: Redirect, Version: latest, Permanent: false}, nil
}

// Path is the canonical URL path of a version.
func Path(slug string, version int) string {
	if version <= 1 {
		return "/" + slug
	}
	return "/" + slug + "/" + strconv.Itoa(version)
}
