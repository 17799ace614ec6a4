package store

import (
	"context"
	"sync"
	"time"

	"github.com/dontdude/snipbox/internal/domain"
)

// history is one slug's append-only log. Its mutex is the per-slug serialization point.
type history struct {
	mu       sync.Mutex
	versions []domain.Snippet
}

// MemoryStore keeps every version in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	slugs map[string]*history

	now  func() time.Time
	mint func() string
}

// Check if MemoryStore implements domain.VersionStore
var _ domain.VersionStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slugs: make(map[string]*history),
		now:   func() time.Time { return time.Now().UTC() },
		mint:  NewSlug,
	}
}

// history returns the log for slug, creating it on first use.
func (s *MemoryStore) history(slug string, create bool) *history {
	// Fast path: read lock
	s.mu.RLock()
	h, exists := s.slugs[slug]
	s.mu.RUnlock()
	if exists || !create {
		return h
	}

	// Slow path: write lock
	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check
	if h, exists = s.slugs[slug]; !exists {
		h = &history{}
		s.slugs[slug] = h
	}
	return h
}

func (s *MemoryStore) Save(ctx context.Context, slug, content string, declarations []string) (domain.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snippet{}, err
	}
	slug, err := prepareSlug(slug, s.mint)
	if err != nil {
		return domain.Snippet{}, err
	}

	h := s.history(slug, true)
	snip := domain.Snippet{
		Slug:         slug,
		Content:      content,
		Declarations: cloneDeclarations(declarations),
	}

	h.mu.Lock()
	snip.Version = len(h.versions) + 1
	snip.CreatedAt = s.now()
	h.versions = append(h.versions, snip)
	h.mu.Unlock()

	return snip, nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, slug string, version int) (domain.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snippet{}, err
	}
	h := s.history(slug, false)
	if h == nil || version < 1 {
		return domain.Snippet{}, domain.ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if version > len(h.versions) {
		return domain.Snippet{}, domain.ErrNotFound
	}
	snip := h.versions[version-1]
	snip.Declarations = cloneDeclarations(snip.Declarations)
	return snip, nil
}

func (s *MemoryStore) GetLatestVersion(ctx context.Context, slug string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h := s.history(slug, false)
	if h == nil {
		return 0, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.versions), nil
}
