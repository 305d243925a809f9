package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"voicememo-go/internal/types"
)

// RecordingStore persists recording documents. Audio lives in the blob store
// and is referenced by Recording.AudioRef.
type RecordingStore interface {
	Save(ctx context.Context, rec *types.Recording) error
	Get(ctx context.Context, id string) (*types.Recording, error)
	List(ctx context.Context) ([]types.Recording, error)
	Delete(ctx context.Context, id string) error
}

type SQLiteRecordings struct {
	db *sql.DB
}

func (s *SQLiteRecordings) Save(ctx context.Context, rec *types.Recording) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, created_at, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc
	`, rec.ID, rec.CreatedAt.UnixMilli(), string(doc))
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteRecordings) Get(ctx context.Context, id string) (*types.Recording, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM recordings WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	var rec types.Recording
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode recording %s: %w", id, err)
	}
	return &rec, nil
}

// List returns recordings newest first.
func (s *SQLiteRecordings) List(ctx context.Context) ([]types.Recording, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM recordings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []types.Recording
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		var rec types.Recording
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteRecordings) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}
