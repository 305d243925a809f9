package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"voicememo-go/internal/types"
)

// PostgresRecordings stores each recording as a JSONB document. Blobs stay
// in sqlite; only the records move.
type PostgresRecordings struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dbURL string) (*PostgresRecordings, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create recordings table: %w", err)
	}
	return &PostgresRecordings{pool: pool}, nil
}

func (p *PostgresRecordings) Close() {
	p.pool.Close()
}

func (p *PostgresRecordings) Save(ctx context.Context, rec *types.Recording) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %s: %w", rec.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO recordings (id, created_at, doc) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, rec.ID, rec.CreatedAt, string(doc))
	if err != nil {
		return fmt.Errorf("save recording %s: %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresRecordings) Get(ctx context.Context, id string) (*types.Recording, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM recordings WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	var rec types.Recording
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode recording %s: %w", id, err)
	}
	return &rec, nil
}

func (p *PostgresRecordings) List(ctx context.Context) ([]types.Recording, error) {
	rows, err := p.pool.Query(ctx, `SELECT doc FROM recordings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []types.Recording
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		var rec types.Recording
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresRecordings) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}
