package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"voicememo-go/internal/types"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS upload_cache (
	cache_key TEXT PRIMARY KEY,
	blob_ref TEXT NOT NULL,
	filename TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	mime_type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recordings (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	doc TEXT NOT NULL
);
`

// DB owns the sqlite handle shared by the blob store, the upload cache and
// the recording store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Blobs() *BlobStore { return &BlobStore{db: d.db} }

func (d *DB) UploadCache() *UploadCache { return &UploadCache{db: d.db} }

func (d *DB) Recordings() *SQLiteRecordings { return &SQLiteRecordings{db: d.db} }

// BlobStore is the durable key to audio mapping.
type BlobStore struct {
	db *sql.DB
}

// Put stores blob under key, replacing any previous value.
func (s *BlobStore) Put(ctx context.Context, key string, blob types.Blob) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return putBlob(ctx, tx, key, blob)
	})
}

// Get returns nil with no error when key is absent.
func (s *BlobStore) Get(ctx context.Context, key string) (*types.Blob, error) {
	return getBlob(ctx, s.db, key)
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return fmt.Errorf("clear blobs: %w", err)
	}
	return nil
}

// List returns the keys starting with prefix, sorted.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE key LIKE ? ESCAPE '\' ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putBlob(ctx context.Context, ex execer, key string, blob types.Blob) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO blobs (key, data, mime_type, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, mime_type = excluded.mime_type, updated_at = excluded.updated_at
	`, key, blob.Data, blob.MimeType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

func getBlob(ctx context.Context, q queryer, key string) (*types.Blob, error) {
	var b types.Blob
	err := q.QueryRowContext(ctx, `SELECT data, mime_type FROM blobs WHERE key = ?`, key).Scan(&b.Data, &b.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return &b, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
