package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/snipbox/internal/domain"
)

// appendScript increments the slug counter and stores the record under the new version.
// Both keys share a hash tag so the script stays on one cluster slot.
var appendScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], v, ARGV[1])
return v
`)

// redisRecord is the stored form; slug and version live in the key and field.
type redisRecord struct {
	Content      string    `json:"content"`
	Declarations []string  `json:"declarations"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedisStore implements domain.VersionStore on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	now  func() time.Time
	mint func() string
}

// Check if RedisStore implements domain.VersionStore
var _ domain.VersionStore = (*RedisStore)(nil)

// NewRedisStore returns a store keeping its keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "snipbox"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		mint:   NewSlug,
	}
}

func (s *RedisStore) latestKey(slug string) string {
	return fmt.Sprintf("%s:{%s}:latest", s.prefix, slug)
}

func (s *RedisStore) versionsKey(slug string) string {
	return fmt.Sprintf("%s:{%s}:versions", s.prefix, slug)
}

func (s *RedisStore) Save(ctx context.Context, slug, content string, declarations []string) (domain.Snippet, error) {
	slug, err := prepareSlug(slug, s.mint)
	if err != nil {
		return domain.Snippet{}, err
	}

	rec := redisRecord{Content: content, Declarations: cloneDeclarations(declarations), CreatedAt: s.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("encoding snippet: %w", err)
	}

	version, err := appendScript.Run(ctx, s.client, []string{s.latestKey(slug), s.versionsKey(slug)}, data).Int()
	if err != nil {
		if ctx.Err() != nil {
			return domain.Snippet{}, ctx.Err()
		}
		return domain.Snippet{}, fmt.Errorf("saving %s: %w: %w", slug, domain.ErrStorageUnavailable, err)
	}

	return domain.Snippet{
		Slug:         slug,
		Version:      version,
		Content:      content,
		Declarations: rec.Declarations,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, slug string, version int) (domain.Snippet, error) {
	if version < 1 {
		return domain.Snippet{}, domain.ErrNotFound
	}

	data, err := s.client.HGet(ctx, s.versionsKey(slug), strconv.Itoa(version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snippet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("loading %s/%d: %w: %w", slug, version, domain.ErrStorageUnavailable, err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Snippet{}, fmt.Errorf("decoding %s/%d: %w", slug, version, err)
	}
	return domain.Snippet{
		Slug:         slug,
		Version:      version,
		Content:      rec.Content,
		Declarations: cloneDeclarations(rec.Declarations),
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func (s *RedisStore) GetLatestVersion(ctx context.Context, slug string) (int, error) {
	latest, err := s.client.Get(ctx, s.latestKey(slug)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading latest of %s: %w: %w", slug, domain.ErrStorageUnavailable, err)
	}
	return latest, nil
}
