package domain

import (
	"context"
	"time"
)

// Snippet is one saved version of a document. It is never mutated after Save.
type Snippet struct {
	Slug         string    `json:"slug"`
	Version      int       `json:"version"`
	Content      string    `json:"content"`
	Declarations []string  `json:"declarations"`
	CreatedAt    time.Time `json:"created_at"`
}

// VersionStore defines the contract for the append-only, per-slug version log.
// Backends differ in durability only; all of them must honor the same ordering rules.
type VersionStore interface {
	// Save appends a new version for slug. An unseen slug starts at version 1,
	// otherwise the new version is latest+1. Concurrent saves on the same slug
	// never receive the same version. An empty slug is replaced by a generated one.
	Save(ctx context.Context, slug, content string, declarations []string) (Snippet, error)

	// GetVersion returns the exact version or ErrNotFound.
	GetVersion(ctx context.Context, slug string, version int) (Snippet, error)

	// GetLatestVersion returns the highest saved version, or 0 for an unknown slug.
	GetLatestVersion(ctx context.Context, slug string) (int, error)
}
