package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"voicememo-go/internal/types"
)

// UploadCache keeps audio that no hosting backend accepted, together with the
// metadata needed to retry it later.
type UploadCache struct {
	db *sql.DB
}

// Stash writes the blob and its metadata in one transaction.
func (c *UploadCache) Stash(ctx context.Context, e types.UploadCacheEntry, blob types.Blob) error {
	return withTx(ctx, c.db, func(tx *sql.Tx) error {
		if err := putBlob(ctx, tx, e.BlobRef, blob); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO upload_cache (cache_key, blob_ref, filename, size_bytes, mime_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.CacheKey, e.BlobRef, e.Filename, e.SizeBytes, e.MimeType, e.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert cache entry %s: %w", e.CacheKey, err)
		}
		return nil
	})
}

// Entries returns pending entries, oldest first.
func (c *UploadCache) Entries(ctx context.Context) ([]types.UploadCacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT cache_key, blob_ref, filename, size_bytes, mime_type, created_at
		FROM upload_cache
		ORDER BY created_at ASC, cache_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	var out []types.UploadCacheEntry
	for rows.Next() {
		var e types.UploadCacheEntry
		var createdAt int64
		if err := rows.Scan(&e.CacheKey, &e.BlobRef, &e.Filename, &e.SizeBytes, &e.MimeType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Blob loads the cached audio; nil when it has gone missing.
func (c *UploadCache) Blob(ctx context.Context, ref string) (*types.Blob, error) {
	return getBlob(ctx, c.db, ref)
}

// Drop removes the entry and its blob together.
func (c *UploadCache) Drop(ctx context.Context, e types.UploadCacheEntry) error {
	return withTx(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, e.BlobRef); err != nil {
			return fmt.Errorf("delete cached blob %s: %w", e.BlobRef, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_cache WHERE cache_key = ?`, e.CacheKey); err != nil {
			return fmt.Errorf("delete cache entry %s: %w", e.CacheKey, err)
		}
		return nil
	})
}
