package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"voicememo-go/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBlobStorePutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	blobs := openTestDB(t).Blobs()

	if err := blobs.Put(ctx, "rec-1", types.Blob{Data: []byte("first"), MimeType: "audio/webm"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := blobs.Put(ctx, "rec-1", types.Blob{Data: []byte("second"), MimeType: "audio/wav"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := blobs.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected blob, got nil")
	}
	if !bytes.Equal(got.Data, []byte("second")) || got.MimeType != "audio/wav" {
		t.Errorf("got %q (%s), want %q (audio/wav)", got.Data, got.MimeType, "second")
	}
}

func TestBlobStoreMissingKey(t *testing.T) {
	got, err := openTestDB(t).Blobs().Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil blob for missing key, got %+v", got)
	}
}

func TestBlobStoreDeleteClearList(t *testing.T) {
	ctx := context.Background()
	blobs := openTestDB(t).Blobs()

	for _, k := range []string{"upload_cache_a", "upload_cache_b", "rec-1"} {
		if err := blobs.Put(ctx, k, types.Blob{Data: []byte(k)}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	keys, err := blobs.List(ctx, "upload_cache_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}

	if err := blobs.Delete(ctx, "upload_cache_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := blobs.Get(ctx, "upload_cache_a"); got != nil {
		t.Error("blob still present after delete")
	}

	if err := blobs.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, _ = blobs.List(ctx, "")
	if len(keys) != 0 {
		t.Errorf("got %d keys after clear, want 0", len(keys))
	}
}

func TestUploadCacheStashAndDrop(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	cache := db.UploadCache()

	entry := types.UploadCacheEntry{
		CacheKey:  "upload_cache_1",
		BlobRef:   "upload_cache_1",
		Filename:  "recording-1.wav",
		SizeBytes: 4,
		MimeType:  "audio/wav",
		CreatedAt: time.UnixMilli(1700000000000),
	}
	if err := cache.Stash(ctx, entry, types.Blob{Data: []byte("RIFF"), MimeType: "audio/wav"}); err != nil {
		t.Fatalf("stash: %v", err)
	}

	entries, err := cache.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Filename != "recording-1.wav" || !entries[0].CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("entry mismatch: %+v", entries[0])
	}

	blob, err := cache.Blob(ctx, entry.BlobRef)
	if err != nil || blob == nil {
		t.Fatalf("blob: %v %v", blob, err)
	}

	if err := cache.Drop(ctx, entry); err != nil {
		t.Fatalf("drop: %v", err)
	}
	entries, _ = cache.Entries(ctx)
	if len(entries) != 0 {
		t.Errorf("got %d entries after drop, want 0", len(entries))
	}
	if b, _ := db.Blobs().Get(ctx, entry.BlobRef); b != nil {
		t.Error("cached blob survived drop")
	}
}

func TestSQLiteRecordingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	recs := openTestDB(t).Recordings()

	older := &types.Recording{ID: "a", CreatedAt: time.UnixMilli(1000), Status: types.StatusProcessing}
	newer := &types.Recording{
		ID:        "b",
		CreatedAt: time.UnixMilli(2000),
		Status:    types.StatusCompleted,
		Transcription: &types.Transcription{
			Text: "你好",
		},
	}
	for _, r := range []*types.Recording{older, newer} {
		if err := recs.Save(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	older.Status = types.StatusFailed
	if err := recs.Save(ctx, older); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := recs.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	list, err := recs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("list order wrong: %+v", list)
	}
	if !list[0].HasTranscript() {
		t.Error("transcript lost in round trip")
	}

	if err := recs.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := recs.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := recs.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestPostgresRecordings(t *testing.T) {
	dbURL := os.Getenv("TEST_POSTGRES_URL")
	if dbURL == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dbURL)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pg.Close()

	id := "pg-test-" + time.Now().Format("150405.000000")
	rec := &types.Recording{ID: id, CreatedAt: time.Now(), Status: types.StatusCompleted}
	if err := pg.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := pg.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if err := pg.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := pg.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
