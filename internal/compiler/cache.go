package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dontdude/snipbox/internal/domain"
)

// Cache memoizes diagnostics by a hash of the inputs. Diagnostics are deterministic for a
// fixed toolchain, so this only saves work; it never changes results. Malformed input is
// cached too, since it is just as deterministic.
type Cache struct {
	next    domain.Compiler
	entries *lru.Cache[string, cacheEntry]
	group   singleflight.Group
}

type cacheEntry struct {
	diags     []domain.Diagnostic
	malformed *domain.MalformedInputError
}

var _ domain.Compiler = (*Cache)(nil)

// NewCache wraps next with an LRU of the given size.
func NewCache(next domain.Compiler, size int) (*Cache, error) {
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, entries: entries}, nil
}

func (c *Cache) Compile(ctx context.Context, content string, declarations []string) ([]domain.Diagnostic, error) {
	key := cacheKey(content, declarations)
	if e, ok := c.entries.Get(key); ok {
		return e.result()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		diags, err := c.next.Compile(ctx, content, declarations)
		var malformed *domain.MalformedInputError
		switch {
		case err == nil:
			e := cacheEntry{diags: diags}
			c.entries.Add(key, e)
			return e, nil
		case errors.As(err, &malformed):
			e := cacheEntry{malformed: malformed}
			c.entries.Add(key, e)
			return e, nil
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(cacheEntry).result()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (e cacheEntry) result() ([]domain.Diagnostic, error) {
	if e.malformed != nil {
		return nil, e.malformed
	}
	out := make([]domain.Diagnostic, len(e.diags))
	copy(out, e.diags)
	return out, nil
}

// cacheKey length-prefixes every part so different splits of the same text never collide.
func cacheKey(content string, declarations []string) string {
	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(content)
	for _, d := range declarations {
		write(d)
	}
	return hex.EncodeToString(h.Sum(nil))
}
