package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/dontdude/snipbox/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS snippet_heads (
    slug   TEXT PRIMARY KEY,
    latest INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snippets (
    slug         TEXT NOT NULL,
    version      INTEGER NOT NULL,
    content      TEXT NOT NULL,
    declarations TEXT NOT NULL DEFAULT '[]',
    created_at   TEXT NOT NULL,
    PRIMARY KEY (slug, version)
);
`

// The head row is the per-slug counter; the upsert takes its row lock for the rest of the transaction.
const bumpHead = `
INSERT INTO snippet_heads (slug, latest) VALUES (?, 1)
ON CONFLICT (slug) DO UPDATE SET latest = snippet_heads.latest + 1
RETURNING latest`

const insertSnippet = `
INSERT INTO snippets (slug, version, content, declarations, created_at)
VALUES (?, ?, ?, ?, ?)`

const selectSnippet = `
SELECT content, declarations, created_at FROM snippets WHERE slug = ? AND version = ?`

const selectLatest = `SELECT latest FROM snippet_heads WHERE slug = ?`

// maxSaveAttempts bounds retries of transient write conflicts.
const maxSaveAttempts = 4

type dialect struct {
	name       string
	driver     string
	positional bool
	transient  func(error) bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	transient: func(err error) bool {
		msg := err.Error()
		return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driver:     "pgx",
	positional: true,
	transient: func(err error) bool {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// serialization_failure, deadlock_detected
			return pgErr.Code == "40001" || pgErr.Code == "40P01"
		}
		return false
	},
}

// rebind rewrites ? placeholders as $1, $2, ... for drivers that need it.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements domain.VersionStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	now  func() time.Time
	mint func() string
}

// Check if SQLStore implements domain.VersionStore
var _ domain.VersionStore = (*SQLStore)(nil)

// OpenSQLite creates or opens a SQLite database at the given path and creates the schema.
// Use ":memory:" for an in-memory database (useful for testing).
func OpenSQLite(dbPath string) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; this also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	return newSQLStore(context.Background(), db, sqliteDialect)
}

// OpenPostgres connects through the pgx stdlib driver and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	slog.Info("Snippet store ready", "driver", d.name)
	return &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
		mint:    NewSlug,
	}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Save(ctx context.Context, slug, content string, declarations []string) (domain.Snippet, error) {
	slug, err := prepareSlug(slug, s.mint)
	if err != nil {
		return domain.Snippet{}, err
	}
	decls := cloneDeclarations(declarations)
	encoded, err := json.Marshal(decls)
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("encoding declarations: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		snip := domain.Snippet{Slug: slug, Content: content, Declarations: decls, CreatedAt: s.now()}
		snip.Version, lastErr = s.append(ctx, snip, string(encoded))
		if lastErr == nil {
			return snip, nil
		}
		if ctx.Err() != nil {
			return domain.Snippet{}, ctx.Err()
		}
		if !s.dialect.transient(lastErr) {
			break
		}
		slog.Warn("Retrying snippet save", "slug", slug, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		case <-ctx.Done():
			return domain.Snippet{}, ctx.Err()
		}
	}
	return domain.Snippet{}, fmt.Errorf("saving %s: %w: %w", slug, domain.ErrStorageUnavailable, lastErr)
}

// append bumps the head and inserts the row in one transaction.
func (s *SQLStore) append(ctx context.Context, snip domain.Snippet, declarations string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx, s.dialect.rebind(bumpHead), snip.Slug).Scan(&version); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(insertSnippet),
		snip.Slug, version, snip.Content, declarations, snip.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLStore) GetVersion(ctx context.Context, slug string, version int) (domain.Snippet, error) {
	if version < 1 {
		return domain.Snippet{}, domain.ErrNotFound
	}

	var content, declarations, createdAt string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(selectSnippet), slug, version).Scan(&content, &declarations, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snippet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("loading %s/%d: %w: %w", slug, version, domain.ErrStorageUnavailable, err)
	}

	snip := domain.Snippet{Slug: slug, Version: version, Content: content}
	if err := json.Unmarshal([]byte(declarations), &snip.Declarations); err != nil {
		return domain.Snippet{}, fmt.Errorf("decoding declarations of %s/%d: %w", slug, version, err)
	}
	if snip.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Snippet{}, fmt.Errorf("decoding created_at of %s/%d: %w", slug, version, err)
	}
	return snip, nil
}

func (s *SQLStore) GetLatestVersion(ctx context.Context, slug string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(selectLatest), slug).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading latest of %s: %w: %w", slug, domain.ErrStorageUnavailable, err)
	}
	return latest, nil
}
